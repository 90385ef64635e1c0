package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didery/didery/internal/keys"
	"github.com/didery/didery/internal/record/recordtest"
	"github.com/didery/didery/internal/storage"
)

func TestParseHistoryData(t *testing.T) {
	key := recordtest.Key(0)
	next := recordtest.Key(1)

	valid := `{"history": {"id": "` + key.DID + `", "signer": 0, "signers": ["` + key.VerificationKey + `", "` + next.VerificationKey + `"]}}`
	h, err := parseHistoryData([]byte(valid), "dad")
	require.NoError(t, err)
	assert.Equal(t, key.DID, h.ID)
	assert.Equal(t, 0, h.Signer)
	assert.Len(t, h.Signers, 2)

	asString := strings.Replace(valid, `"signer": 0`, `"signer": "1"`, 1)
	h, err = parseHistoryData([]byte(asString), "dad")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Signer)

	invalid := map[string]string{
		"not json":         `{`,
		"missing history":  `{"otp": {}}`,
		"missing signers":  `{"history": {"id": "` + key.DID + `", "signer": 0}}`,
		"signer too large": strings.Replace(valid, `"signer": 0`, `"signer": 2`, 1),
		"negative signer":  strings.Replace(valid, `"signer": 0`, `"signer": -1`, 1),
		"bad did":          strings.Replace(valid, key.DID, "did:other:abc", 1),
	}
	for name, data := range invalid {
		_, err := parseHistoryData([]byte(data), "dad")
		assert.Error(t, err, name)
	}
}

func TestParseOtpData(t *testing.T) {
	key := recordtest.Key(0)

	o, err := parseOtpData([]byte(`{"otp": {"id": "`+key.DID+`", "blob": "abc"}}`), "dad")
	require.NoError(t, err)
	assert.Equal(t, "abc", o.Blob)

	_, err = parseOtpData([]byte(`{"otp": {"id": "`+key.DID+`"}}`), "dad")
	assert.Error(t, err)
	_, err = parseOtpData([]byte(`{"otp": {"id": "nope", "blob": "abc"}}`), "dad")
	assert.Error(t, err)
}

func TestPrompterFromPipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin")
	require.NoError(t, os.WriteFile(path, []byte("sk-one\n  sk-two  \ny\n"), 0600))
	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	var out bytes.Buffer
	p := newPrompter(in, &out)

	first, err := p.secret("first")
	require.NoError(t, err)
	second, err := p.secret("second")
	require.NoError(t, err)
	ok, err := p.confirm("continue?")
	require.NoError(t, err)

	assert.Equal(t, "sk-one", first)
	assert.Equal(t, "sk-two", second)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "first: ")

	_, err = p.secret("third")
	assert.Error(t, err)
}

func TestVerifyEntry(t *testing.T) {
	b := recordtest.NewHistory()
	entry := &storage.Entry{
		Kind:        kindHistory,
		DID:         b.DID(),
		Fingerprint: b.Signatures().Signer,
		Data:        b.Build(),
	}
	assert.NoError(t, verifyEntry(entry, "sha256"))

	mismatch := *entry
	mismatch.Fingerprint = "other"
	assert.Error(t, verifyEntry(&mismatch, "sha256"))

	wrongKind := *entry
	wrongKind.Kind = kindOtp
	assert.Error(t, verifyEntry(&wrongKind, "sha256"))

	forged := *entry
	forged.Data = recordtest.NewHistory().WithInvalidSignerSignature().Build()
	assert.Error(t, verifyEntry(&forged, "sha256"))
}

func writeTestConfig(t *testing.T, servers []string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	cfg, err := json.Marshal(map[string]interface{}{
		"servers":  servers,
		"timeout":  "1s",
		"data_dir": dataDir,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "didery.json")
	require.NoError(t, os.WriteFile(path, cfg, 0600))
	return path, dataDir
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestRetrieveCachesConsensus(t *testing.T) {
	b := recordtest.NewHistory()
	payload := b.Build()

	var servers []string
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/history/"+b.DID() {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(payload)
		}))
		defer srv.Close()
		servers = append(servers, srv.URL)
	}

	cfgPath, dataDir := writeTestConfig(t, servers)
	out := execute(t, "retrieve", "--config", cfgPath, "--did", b.DID(), "-vvv")

	assert.Contains(t, out, "Data:")
	assert.Equal(t, 3, strings.Count(out, "Signature Validation Succeeded"))

	store, err := storage.New(filepath.Join(dataDir, "didery.db"))
	require.NoError(t, err)
	defer store.Close()

	entry, err := store.GetRecord(kindHistory, b.DID())
	require.NoError(t, err)
	assert.Equal(t, b.Signatures().Signer, entry.Fingerprint)
	assert.Equal(t, 3, entry.Votes)
	assert.WithinDuration(t, time.Now(), entry.RetrievedAt, time.Minute)
	assert.NoError(t, verifyEntry(entry, "sha256"))

	synced, err := store.GetMetadata(storage.ServersKey)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(servers, ","), synced)
}

func TestUploadWithKeyFile(t *testing.T) {
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		bodies = append(bodies, body.Bytes())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfgPath, _ := writeTestConfig(t, []string{srv.URL})
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "keys.json")
	execute(t, "keygen", "--config", cfgPath, "--out", keyPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var keyFile struct {
		Verify string `json:"verify"`
	}
	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &keyFile))

	dataPath := filepath.Join(dir, "otp.json")
	did := "did:dad:" + keyFile.Verify
	require.NoError(t, os.WriteFile(dataPath, []byte(`{"otp": {"id": "`+did+`", "blob": "c2VjcmV0"}}`), 0600))

	out := execute(t, "upload", "--config", cfgPath, "--data", dataPath, "--keys", keyPath)
	assert.Contains(t, out, "1/1 requests succeeded.")

	require.Len(t, bodies, 1)
	assert.Contains(t, string(bodies[0]), `"blob":"c2VjcmV0"`)
}

func TestRemoveDerivesDIDFromKeyFile(t *testing.T) {
	var (
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		method, path, body = r.Method, r.URL.Path, buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfgPath, _ := writeTestConfig(t, []string{srv.URL})
	keyPath := filepath.Join(t.TempDir(), "keys.json")
	execute(t, "keygen", "--config", cfgPath, "--out", keyPath)

	f, err := keys.Open(keyPath)
	require.NoError(t, err)
	want, err := f.DID("dad")
	require.NoError(t, err)

	didFlag = ""
	out := execute(t, "remove", "--config", cfgPath, "--keys", keyPath, "--yes")
	assert.Contains(t, out, "1/1 requests succeeded.")

	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/blob/"+want, path)
	assert.Contains(t, string(body), want)
}
