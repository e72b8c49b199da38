// Package main is a development utility that generates a random bearer token for the
// api.token setting. It prints the token, the matching environment variable line and a
// ready-to-run curl command against the status endpoint.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
)

func main() {
	size := flag.Int("bytes", 32, "number of random bytes in the token")
	prefix := flag.String("prefix", "dirsync", "token prefix")
	flag.Parse()

	randomBytes := make([]byte, *size)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal(err)
	}
	token := fmt.Sprintf("%s_%s", *prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	fmt.Println("==========================================================")
	fmt.Println("API Token Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nToken: %s\n", token)
	fmt.Printf("\nEnvironment: DIRSYNC_API_TOKEN=%s\n", token)
	fmt.Println("\n==========================================================")
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8080/v1/directory/sync/status\n", token)
	fmt.Println("==========================================================")
}
