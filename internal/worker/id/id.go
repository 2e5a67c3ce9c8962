package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character nanoid using an alphanumeric alphabet.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// WithPrefix returns an id of the form "<prefix>_<nanoid>". Prefixes keep
// job, approval, and terminal ids distinguishable in logs and clients.
func WithPrefix(prefix string) string {
	return prefix + "_" + Generate()
}
