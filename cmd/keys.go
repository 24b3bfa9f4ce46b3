package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jjbrunton/Sauci-sub000/util"
	"github.com/spf13/cobra"
)

var outputFile string

func init() {
	keysCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	rootCmd.AddCommand(keysCmd)
}

// keysCmd generates an RSA key pair and prints the public half as a JWK,
// useful for seeding directory entries in test environments
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate an RSA key pair",
	Long:  "Generate a 2048 bit RSA key pair and print the public key as a JWK",
	Run: func(cmd *cobra.Command, args []string) {
		private, err := util.GenerateRSAKeyPair()
		if err != nil {
			panic(err)
		}
		publicJWK, jErr := util.PublicKeyToJWK(&private.PublicKey)
		check(jErr)

		keysJson := map[string]interface{}{
			"type":         "rsa_oaep_2048",
			"publicKeyJwk": json.RawMessage(publicJWK),
			"created":      time.Now().UnixMilli(),
		}
		fileBytes, err := json.MarshalIndent(keysJson, "", "  ")
		if outputFile != "" {
			// fail if file already exists
			if _, err := os.Stat(outputFile); !errors.Is(err, os.ErrNotExist) {
				fmt.Printf("File already exists: %s\n", outputFile)
				os.Exit(1)
			}
			check(err)
			err = os.WriteFile(outputFile, fileBytes, 0644)
			check(err)
			fmt.Printf("Output file: %s\n", outputFile)
		} else {
			fmt.Printf("\n%s\n", string(fileBytes))
		}
	},
}
