// Package prompt provides the interactive terminal prompts used during
// wallet setup and unlock.
package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/bisoncraft/go-bip39"
	"golang.org/x/crypto/ssh/terminal"
)

// mnemonicEntropyBits selects a 12 word recovery phrase.
const mnemonicEntropyBits = 128

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter a
// valid response.
func promptListBool(reader *bufio.Reader, prefix string, defaultEntry string) (bool, error) {
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// promptPass prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func promptPass(prefix string, confirm bool) ([]byte, error) {
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		confirmPass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirmPass = bytes.TrimSpace(confirmPass)
		if !bytes.Equal(pass, confirmPass) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// NewPassphrase prompts the user for the passphrase that will encrypt the
// wallet credential, with confirmation.
func NewPassphrase() ([]byte, error) {
	return promptPass("Enter a passphrase for your new wallet", true)
}

// Passphrase prompts the user for the passphrase of an existing wallet.
func Passphrase() ([]byte, error) {
	return promptPass("Enter the passphrase for your wallet", false)
}

// Mnemonic ascertains the recovery phrase for a new wallet.  The user either
// enters an existing phrase to restore from or has a fresh one generated and
// displayed for them to back up.  Entered phrases are validated against the
// BIP-39 word list and checksum before being accepted.
func Mnemonic(reader *bufio.Reader) (string, error) {
	useExisting, err := promptListBool(reader, "Do you have an "+
		"existing recovery phrase you want to use?", "no")
	if err != nil {
		return "", err
	}

	if useExisting {
		for {
			fmt.Print("Enter your recovery phrase: ")
			phrase, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}
			phrase = normalizeMnemonic(phrase)
			if !bip39.IsMnemonicValid(phrase) {
				fmt.Println("Invalid recovery phrase specified.")
				continue
			}
			return phrase, nil
		}
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", err
	}

	fmt.Println("Your wallet recovery phrase is:")
	fmt.Printf("\n%s\n\n", mnemonic)
	fmt.Println("IMPORTANT: Keep the phrase in a safe place as you will " +
		"NOT be able to restore your wallet without it.")
	fmt.Println("Please keep in mind that anyone who has access to the " +
		"phrase can also restore your wallet thereby giving them " +
		"access to all your funds, so it is imperative that you keep " +
		"it in a secure location.")

	for {
		fmt.Print(`Once you have stored the phrase in a safe ` +
			`and secure location, enter "OK" to continue: `)
		confirm, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		confirm = strings.TrimSpace(strings.ToLower(confirm))
		if confirm == "ok" {
			return mnemonic, nil
		}
	}
}

// GenerateMnemonic creates a fresh 12 word BIP-39 recovery phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// normalizeMnemonic collapses whitespace and case so hand-entered phrases
// compare cleanly against the word list.
func normalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}
