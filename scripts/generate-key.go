// Package main is a development utility that generates token encryption material
// for a local gateway: a raw 32-character key, and a passphrase and salt for the
// derived-key setup. Each is checked by sealing and opening a sample token before
// it is printed.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/carbon-marketplace/icr-marketplace/internal/crypto"
)

func main() {
	// 24 random bytes encode to exactly 32 base64url characters, the AES-256 key size.
	key := randomString(24)
	passphrase := randomString(32)
	salt := randomString(18)

	check("raw key", func() (*crypto.TokenCipher, error) { return crypto.FromSecret(key, "", "") })
	check("passphrase", func() (*crypto.TokenCipher, error) { return crypto.FromSecret("", passphrase, salt) })

	fmt.Println("==========================================================")
	fmt.Println("Token Encryption Material Generated")
	fmt.Println("==========================================================")
	fmt.Println("\nEither a raw key:")
	fmt.Printf("\n  ICRM_TOKENS_ENCRYPTION_KEY=%s\n", key)
	fmt.Println("\nor a passphrase and salt:")
	fmt.Printf("\n  ICRM_TOKENS_PASSPHRASE=%s\n", passphrase)
	fmt.Printf("  ICRM_TOKENS_SALT=%s\n", salt)
	fmt.Println("\n==========================================================")
	fmt.Println("Changing either invalidates cached tokens; they are reissued on demand.")
	fmt.Println("==========================================================")
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func check(label string, build func() (*crypto.TokenCipher, error)) {
	c, err := build()
	if err != nil {
		log.Fatalf("%s: %v", label, err)
	}
	sealed, err := c.Seal("sample-token")
	if err != nil {
		log.Fatalf("%s: seal: %v", label, err)
	}
	if plain, err := c.Open(sealed); err != nil || plain != "sample-token" {
		log.Fatalf("%s: round trip failed: %v", label, err)
	}
}
