package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/didery/didery/internal/did"
	"github.com/didery/didery/internal/keys"
	"github.com/didery/didery/internal/signing"
	"github.com/didery/didery/internal/transport"
)

var errEmptyInput = errors.New("empty input")

type historyFile struct {
	History *struct {
		ID      string          `json:"id"`
		Signer  json.RawMessage `json:"signer"`
		Signers []string        `json:"signers"`
	} `json:"history"`
}

type otpFile struct {
	Otp *transport.Otp `json:"otp"`
}

func readDataFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("data file required, use --data=path/to/file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	return data, nil
}

// parseHistoryData reads {"history": {"id", "signer", "signers"}}.
func parseHistoryData(data []byte, method string) (*signing.History, error) {
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if f.History == nil {
		return nil, fmt.Errorf("missing required field history")
	}
	if f.History.ID == "" {
		return nil, fmt.Errorf("missing required field id")
	}
	if len(f.History.Signer) == 0 {
		return nil, fmt.Errorf("missing required field signer")
	}
	if len(f.History.Signers) == 0 {
		return nil, fmt.Errorf("missing required field signers")
	}

	signer, err := parseSignerIndex(f.History.Signer)
	if err != nil {
		return nil, err
	}
	if signer >= len(f.History.Signers) {
		return nil, fmt.Errorf("signer %d out of range for %d signers", signer, len(f.History.Signers))
	}
	if _, err := did.Validate(f.History.ID, method); err != nil {
		return nil, err
	}

	return &signing.History{ID: f.History.ID, Signer: signer, Signers: f.History.Signers}, nil
}

func parseSignerIndex(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n >= 0 {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("invalid signer: %s", raw)
}

// parseOtpData reads {"otp": {"id", "blob"}}.
func parseOtpData(data []byte, method string) (*transport.Otp, error) {
	var f otpFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if f.Otp == nil {
		return nil, fmt.Errorf("missing required field otp")
	}
	if f.Otp.ID == "" {
		return nil, fmt.Errorf("missing required field id")
	}
	if f.Otp.Blob == "" {
		return nil, fmt.Errorf("missing required field blob")
	}
	if _, err := did.Validate(f.Otp.ID, method); err != nil {
		return nil, err
	}
	return &transport.Otp{ID: f.Otp.ID, Blob: f.Otp.Blob}, nil
}

// resolveDID fills --did from the --keys file when only the key file is
// given, then validates it.
func resolveDID(method string) error {
	if didFlag == "" && keysFile != "" {
		f, err := keys.Open(keysFile)
		if err != nil {
			return err
		}
		id, err := f.DID(method)
		if err != nil {
			return err
		}
		didFlag = id
	}
	return requireDID(didFlag, method)
}

func requireDID(s, method string) error {
	if s == "" {
		return fmt.Errorf("did required, use --did")
	}
	_, err := did.Validate(s, method)
	return err
}

// prompter reads secrets without echo when in is a terminal.
type prompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	return &prompter{in: in, out: out, r: bufio.NewReader(in)}
}

func (p *prompter) secret(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)

	if term.IsTerminal(int(p.in.Fd())) {
		value, err := term.ReadPassword(int(p.in.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return nonEmpty(string(value))
	}

	line, err := p.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return nonEmpty(line)
}

func (p *prompter) confirm(label string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", label)
	line, err := p.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read input: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func nonEmpty(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errEmptyInput
	}
	return s, nil
}

// signingKeys returns the current and pre-rotated signing keys, from the
// --keys file when given, otherwise by prompting. wantPreRotated asks for
// the second key.
func signingKeys(p *prompter, wantPreRotated bool) (string, string, error) {
	if keysFile != "" {
		f, err := keys.Open(keysFile)
		if err != nil {
			return "", "", err
		}
		if wantPreRotated && f.PreRotatedPriv == "" {
			return "", "", fmt.Errorf("key file %s has no pre-rotated key", keysFile)
		}
		return f.Priv, f.PreRotatedPriv, nil
	}

	if !wantPreRotated {
		sk, err := p.secret("Enter your signing/private key")
		return sk, "", err
	}

	sk, err := p.secret("Enter your current signing/private key")
	if err != nil {
		return "", "", err
	}
	psk, err := p.secret("Enter your pre-rotated signing/private key")
	if err != nil {
		return "", "", err
	}
	return sk, psk, nil
}
