package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"zuzalu/api/internal/wallet"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Create keys and sign decryption sign-in challenges",
	}
	cmd.AddCommand(newWalletNewCmd(), newWalletSignCmd(), newWalletVerifyCmd())
	return cmd
}

func newWalletNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Generate a key and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := wallet.Generate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address: %s\n", signer.Address())
			fmt.Fprintf(out, "key:     %s\n", signer.KeyHex())
			return nil
		},
	}
}

func newWalletSignCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Sign a challenge message the way a browser wallet does",
		Long: `sign reads the message returned by POST /api/decryption/challenge and
prints the personal_sign signature to send to POST /api/decryption/session.
The key comes from --key or ZUZALU_WALLET_KEY.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("ZUZALU_WALLET_KEY")
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("a private key is required (--key or ZUZALU_WALLET_KEY)")
			}
			signer, err := wallet.FromHex(key)
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			sig, err := signer.SignMessage(cmd.Context(), strings.TrimRight(string(data), "\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "hex private key")
	return cmd
}

func newWalletVerifyCmd() *cobra.Command {
	var address, sig string
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check that a signature over a message came from an address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if err := wallet.Verify(address, strings.TrimRight(string(data), "\n"), sig); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "signer address")
	cmd.Flags().StringVar(&sig, "sig", "", "0x signature")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("sig")
	return cmd
}
