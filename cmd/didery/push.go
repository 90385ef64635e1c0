package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/didery/didery/internal/consensus"
	"github.com/didery/didery/internal/keys"
	"github.com/didery/didery/internal/signing"
	"github.com/didery/didery/internal/transport"
)

var (
	keysOut   string
	generate  bool
	assumeYes bool
)

func init() {
	inceptCmd.Flags().StringVar(&keysOut, "out", "didery.keys.json", "where to save generated keys")
	rotateCmd.Flags().StringVar(&keysOut, "out", "didery.keys.json", "where to save the rotated keys")
	rotateCmd.Flags().BoolVar(&generate, "generate", false, "generate a new pre-rotated key pair and advance the signer")
	deleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "delete without asking for confirmation")
	removeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "remove without asking for confirmation")
}

func (a *app) pushed(did string, responses consensus.Responses) {
	a.reporter.Pushed(responses)
	a.log.Info("push finished", "did", did, "succeeded", transport.Succeeded(responses), "total", len(responses))
}

func setupData(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

var inceptCmd = &cobra.Command{
	Use:   "incept",
	Short: "Send a key rotation history inception event",
	Long: `Sends an inception event. Without --data a new history with a current
and a pre-rotated key pair is generated and its keys are saved to --out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		var history *signing.History
		var sk string

		if dataFile == "" {
			var current, rotated *signing.KeyPair
			history, current, rotated, err = signing.HistoryGen(a.cfg.DIDMethod)
			if err != nil {
				return fmt.Errorf("failed to generate history: %w", err)
			}
			if err := keys.Save(keysOut, keys.FromKeyPair(current, rotated)); err != nil {
				return fmt.Errorf("failed to save keys: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Keys saved to %s. Make a copy and store them securely.\n", keysOut)
			sk = current.SigningKey
		} else {
			data, err := readDataFile(dataFile)
			if err != nil {
				return err
			}
			if history, err = parseHistoryData(data, a.cfg.DIDMethod); err != nil {
				return fmt.Errorf("failed to parse data file: %w", err)
			}
			if sk, _, err = signingKeys(newPrompter(os.Stdin, cmd.ErrOrStderr()), false); err != nil {
				return err
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		a.reporter.Setup(a.client.Servers(), setupData(history), "")
		responses, err := a.client.PostHistory(ctx, *history, sk)
		if err != nil {
			return fmt.Errorf("failed to post history: %w", err)
		}
		a.pushed(history.ID, responses)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a new OTP encrypted private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushOtp(cmd, false)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update an OTP encrypted private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushOtp(cmd, true)
	},
}

func pushOtp(cmd *cobra.Command, replace bool) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	data, err := readDataFile(dataFile)
	if err != nil {
		return err
	}
	otp, err := parseOtpData(data, a.cfg.DIDMethod)
	if err != nil {
		return fmt.Errorf("failed to parse data file: %w", err)
	}
	sk, _, err := signingKeys(newPrompter(os.Stdin, cmd.ErrOrStderr()), false)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a.reporter.Setup(a.client.Servers(), setupData(otp), "")

	var responses consensus.Responses
	if replace {
		responses, err = a.client.PutOtp(ctx, *otp, sk)
	} else {
		responses, err = a.client.PostOtp(ctx, *otp, sk)
	}
	if err != nil {
		return fmt.Errorf("failed to push otp blob: %w", err)
	}
	a.pushed(otp.ID, responses)
	return nil
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate public/private key pairs",
	Long: `Sends a rotation event signed by the current and the pre-rotated key.
With --generate a new pre-rotated key pair is appended to the history, the
signer is advanced and the resulting keys are saved to --out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		data, err := readDataFile(dataFile)
		if err != nil {
			return err
		}
		history, err := parseHistoryData(data, a.cfg.DIDMethod)
		if err != nil {
			return fmt.Errorf("failed to parse data file: %w", err)
		}
		sk, psk, err := signingKeys(newPrompter(os.Stdin, cmd.ErrOrStderr()), true)
		if err != nil {
			return err
		}

		if generate {
			next, err := signing.KeyGen(nil, a.cfg.DIDMethod)
			if err != nil {
				return fmt.Errorf("failed to generate key pair: %w", err)
			}
			promoted, err := signing.KeyPairFromSigningKey(psk, a.cfg.DIDMethod)
			if err != nil {
				return fmt.Errorf("invalid pre-rotated key: %w", err)
			}
			history.Signers = append(history.Signers, next.VerificationKey)
			history.Signer++

			if err := keys.Save(keysOut, keys.FromKeyPair(promoted, next)); err != nil {
				return fmt.Errorf("failed to save keys: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Rotated keys saved to %s. Make a copy and store them securely.\n", keysOut)
		}

		ctx, cancel := signalContext()
		defer cancel()

		a.reporter.Setup(a.client.Servers(), setupData(history), "")
		responses, err := a.client.PutHistory(ctx, *history, sk, psk)
		if err != nil {
			return fmt.Errorf("failed to put history: %w", err)
		}
		a.pushed(history.ID, responses)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a rotation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return removeResource(cmd, kindHistory)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove an OTP encrypted private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return removeResource(cmd, kindOtp)
	},
}

func removeResource(cmd *cobra.Command, kind string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := resolveDID(a.cfg.DIDMethod); err != nil {
		return err
	}

	p := newPrompter(os.Stdin, cmd.ErrOrStderr())
	if !assumeYes {
		ok, err := p.confirm(fmt.Sprintf("Delete %s of %s from %d servers?", kind, didFlag, len(a.client.Servers())))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
			return nil
		}
	}

	sk, _, err := signingKeys(p, false)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a.reporter.Setup(a.client.Servers(), nil, didFlag)

	var responses consensus.Responses
	if kind == kindHistory {
		responses, err = a.client.DeleteHistory(ctx, didFlag, sk)
	} else {
		responses, err = a.client.RemoveOtp(ctx, didFlag, sk)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	a.pushed(didFlag, responses)

	if transport.Succeeded(responses) > 0 {
		a.forget(kind, didFlag)
	}
	return nil
}
