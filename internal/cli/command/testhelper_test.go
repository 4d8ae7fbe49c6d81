package command

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// fakeRemote is an in-process stand-in for the remote service.
type fakeRemote struct {
	*httptest.Server
	t   *testing.T
	key *rsa.PrivateKey

	mu sync.Mutex
	// records served by exports, per partition
	records map[domain.PartitionKey][]domain.RecordSummary
	// sessionCode is the processing code reported for batch sessions
	sessionCode int

	opened     int
	closed     []string
	uploaded   map[int]int
	exportReqs []domain.ExportRequest
	exports    map[string]*domain.ExportPackage
	parts      map[string][]byte
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeRemote{
		t:           t,
		key:         key,
		records:     make(map[domain.PartitionKey][]domain.RecordSummary),
		sessionCode: domain.StatusCodeSucceeded,
		uploaded:    make(map[int]int),
		exports:     make(map[string]*domain.ExportPackage),
		parts:       make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /security/public-key-certificates", f.handleKeys)
	mux.HandleFunc("POST /sessions/batch", f.handleOpen)
	mux.HandleFunc("PUT /upload/{n}", f.handleUpload)
	mux.HandleFunc("POST /sessions/batch/{ref}/close", f.handleClose)
	mux.HandleFunc("GET /sessions/{ref}", f.handleSessionStatus)
	mux.HandleFunc("GET /upo/{ref}", f.handleUPO)
	mux.HandleFunc("POST /invoices/exports", f.handleStartExport)
	mux.HandleFunc("GET /invoices/exports/{ref}", f.handleExportStatus)
	mux.HandleFunc("GET /parts/{ref}", f.handlePart)

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Pre-authorized URLs carry no bearer token.
		presigned := strings.HasPrefix(r.URL.Path, "/upload/") ||
			strings.HasPrefix(r.URL.Path, "/upo/") ||
			strings.HasPrefix(r.URL.Path, "/parts/")
		if !presigned && r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRemote) addRecords(p domain.PartitionKey, recs ...domain.RecordSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[p] = append(f.records[p], recs...)
}

func (f *fakeRemote) certificate() string {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fake remote"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &f.key.PublicKey, f.key)
	if err != nil {
		f.t.Error(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func (f *fakeRemote) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, []domain.PublicKeyCertificate{{
		Certificate: f.certificate(),
		ValidFrom:   time.Now().Add(-time.Hour),
		ValidTo:     time.Now().Add(time.Hour),
		Usage:       []string{domain.KeyUsageSymmetricKeyEncryption},
	}})
}

func (f *fakeRemote) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchFile struct {
			FileParts []struct {
				OrdinalNumber int `json:"ordinalNumber"`
			} `json:"fileParts"`
		} `json:"batchFile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.opened++
	ref := fmt.Sprintf("20250101-SB-%04d", f.opened)
	f.mu.Unlock()

	resp := domain.OpenBatchResponse{ReferenceNumber: ref, ValidUntil: time.Now().Add(time.Hour)}
	for _, p := range req.BatchFile.FileParts {
		resp.UploadTargets = append(resp.UploadTargets, domain.PartUploadTarget{
			Ordinal: p.OrdinalNumber,
			Method:  http.MethodPut,
			URL:     f.URL + "/upload/" + strconv.Itoa(p.OrdinalNumber),
		})
	}
	writeJSON(w, resp)
}

func (f *fakeRemote) handleUpload(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, _ := strconv.Atoi(r.PathValue("n"))
	f.mu.Lock()
	f.uploaded[n] = buf.Len()
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeRemote) handleClose(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.closed = append(f.closed, r.PathValue("ref"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRemote) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	code := f.sessionCode
	f.mu.Unlock()

	ref := r.PathValue("ref")
	body := map[string]any{
		"status":                 map[string]any{"code": code, "description": "status " + strconv.Itoa(code)},
		"validUntil":             time.Now().Add(time.Hour),
		"invoiceCount":           2,
		"successfulInvoiceCount": 2,
		"failedInvoiceCount":     0,
	}
	if code == domain.StatusCodeSucceeded {
		body["upo"] = map[string]any{"pages": []domain.UPOPage{{
			ReferenceNumber: ref + "-UPO",
			DownloadURL:     f.URL + "/upo/" + ref,
			ExpiresAt:       time.Now().Add(time.Hour),
		}}}
	}
	if code >= 300 {
		body["invoiceCount"], body["successfulInvoiceCount"], body["failedInvoiceCount"] = 2, 0, 2
	}
	writeJSON(w, body)
}

func (f *fakeRemote) handleUPO(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, "<UPO><Ref>%s</Ref></UPO>", r.PathValue("ref"))
}

func (f *fakeRemote) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req domain.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pkg, err := f.buildPackage(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.exportReqs = append(f.exportReqs, req)
	ref := fmt.Sprintf("20250101-EX-%04d", len(f.exportReqs))
	pkg.pkg.Parts[0].URL = f.URL + "/parts/" + ref
	f.exports[ref] = pkg.pkg
	f.parts[ref] = pkg.ciphertext
	f.mu.Unlock()

	writeJSON(w, map[string]string{"referenceNumber": ref})
}

type builtPackage struct {
	pkg        *domain.ExportPackage
	ciphertext []byte
}

// buildPackage packs the records matching req into one encrypted part
// under the requester's key.
func (f *fakeRemote) buildPackage(req domain.ExportRequest) (*builtPackage, error) {
	key, err := envelope.UnwrapKey(f.key, req.Encryption.EncryptedSymmetricKey)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(req.Encryption.InitializationVector)
	if err != nil {
		return nil, err
	}

	window := domain.TimeWindow{From: req.Filters.DateRange.From, To: req.Filters.DateRange.To}
	f.mu.Lock()
	var matched []domain.RecordSummary
	for _, rec := range f.records[req.Filters.SubjectType] {
		if window.Contains(rec.PermanentStorageDate) {
			matched = append(matched, rec)
		}
	}
	f.mu.Unlock()

	manifest, err := json.Marshal(domain.Manifest{Records: matched})
	if err != nil {
		return nil, err
	}
	docs := []service.Document{{Name: domain.ManifestFileName, Content: manifest}}
	for _, rec := range matched {
		docs = append(docs, service.Document{Name: rec.ID + ".xml", Content: []byte("<Faktura>" + rec.ID + "</Faktura>")})
	}
	archive, _, err := service.NewPackager().Pack(docs)
	if err != nil {
		return nil, err
	}
	ciphertext, err := envelope.Encrypt(archive, key, iv)
	if err != nil {
		return nil, err
	}

	hwm := window.To
	return &builtPackage{
		pkg: &domain.ExportPackage{
			InvoiceCount:  len(matched),
			SizeBytes:     int64(len(ciphertext)),
			Parts:         []domain.PackagePart{{Ordinal: 1, Method: http.MethodGet, Encrypted: envelope.Digest(ciphertext)}},
			HighWaterMark: &hwm,
		},
		ciphertext: ciphertext,
	}, nil
}

func (f *fakeRemote) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	pkg, ok := f.exports[r.PathValue("ref")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"status":  map[string]any{"code": domain.StatusCodeSucceeded, "description": "done"},
		"package": pkg,
	})
}

func (f *fakeRemote) handlePart(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.parts[r.PathValue("ref")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (f *fakeRemote) exportRequests() []domain.ExportRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ExportRequest(nil), f.exportReqs...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeConfig writes a config file pointing at baseURL with fast retry and
// polling settings. extra is appended as additional top-level sections.
func writeConfig(t *testing.T, baseURL, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`base_url: %s
token: test-token
log:
  level: warn
  format: text
remote:
  max_attempts: 2
  base_delay: 1ms
  max_delay: 5ms
  rate_limit_delay: 1ms
  poll_interval: 1ms
  poll_max_interval: 5ms
  poll_max_attempts: 5
export:
  window_size: 24h
  overlap: 1h
  follow_interval: 10ms
  follow_lookback: 48h
  partitions: [seller, buyer]
%s`, baseURL, extra)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// runApp runs the CLI with args and returns what it wrote.
func runApp(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	app := App()
	var out, errOut bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &errOut
	app.Reader = strings.NewReader(stdin)
	err = app.RunContext(context.Background(), append([]string{"ksefsync"}, args...))
	return out.String(), errOut.String(), err
}

// record returns a record stored at the given time.
func record(id string, storedAt time.Time) domain.RecordSummary {
	return domain.RecordSummary{
		ID:                   id,
		InvoiceNumber:        "FV/" + id,
		IssueDate:            storedAt.Format(time.DateOnly),
		PermanentStorageDate: storedAt,
		Seller:               domain.Party{Identifier: "1111111111", Name: "Seller"},
		Buyer:                domain.Party{Identifier: "2222222222"},
		Currency:             "PLN",
	}
}
