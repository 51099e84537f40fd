package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dhcgn/bounce-monitor/credential"
)

var credentialPassword string

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage mailbox passwords in the OS keyring",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Store a password under key (read from stdin unless --password is given)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := credentialPassword
		if secret == "" {
			var err error
			if secret, err = readSecret(args[0]); err != nil {
				return err
			}
		}
		if secret == "" {
			return fmt.Errorf("password is empty")
		}
		if err := credential.Store(args[0], secret); err != nil {
			return err
		}
		fmt.Printf("Stored credential %s\n", args[0])
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Remove a stored password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := credential.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted credential %s\n", args[0])
		return nil
	},
}

func init() {
	credentialSetCmd.Flags().StringVar(&credentialPassword, "password", "", "Password to store (visible in shell history)")
	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(key string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "Password for %s: ", key)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
