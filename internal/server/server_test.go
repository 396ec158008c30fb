package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/mcap"
	"example.com/robolog/internal/report"
)

func writeSample(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "drive.mcap")
	w, err := mcap.Create(path)
	if err != nil {
		t.Fatalf("mcap.Create: %v", err)
	}
	odom, err := w.AddChannel("/robot1/odom", "nav_msgs/msg/Odometry", "cdr",
		channel.WithSchema([]byte("float64 x\n"), "ros2msg"))
	if err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	status, err := w.AddChannel("/debug/status", "diag/Status", "json")
	if err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := w.WriteMessage(odom, uint64(100+i), []byte{0, 1, 0, 0, byte(i)}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		if err := w.WriteMessage(status, uint64(100+i), []byte(`{"ok":true}`)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return path
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	profile := writeProfileFile(t, dir, "strip", "exclude: [\"/debug/*\"]\n")
	srv, err := NewServer(Options{
		StorageDir:  filepath.Join(dir, "storage"),
		Profiles:    []ProfileRef{{ID: "strip", Path: profile}},
		Concurrency: 2,
		AuditLog:    filepath.Join(dir, "audit.jsonl"),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	router, err := NewRouter(srv)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, ts, dir
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthAndInspect(t *testing.T) {
	_, ts, dir := newTestServer(t)
	sample := writeSample(t, dir)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/inspect?input=" + sample)
	if err != nil {
		t.Fatalf("GET inspect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inspect status %d", resp.StatusCode)
	}
	var rep report.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Summary.MessageCount != 40 || len(rep.Channels) != 2 {
		t.Fatalf("unexpected summary %+v", rep.Summary)
	}

	resp, err = http.Get(ts.URL + "/inspect?input=" + filepath.Join(dir, "missing.mcap"))
	if err != nil {
		t.Fatalf("GET inspect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %d", resp.StatusCode)
	}
}

func TestRewriteWithProfile(t *testing.T) {
	srv, ts, dir := newTestServer(t)
	sample := writeSample(t, dir)

	resp := postJSON(t, ts.URL+"/rewrite", map[string]any{
		"input":   sample,
		"output":  "renamed",
		"format":  "bag",
		"profile": "strip",
		"rules":   []map[string]string{{"kind": "topic_wildcard", "from": "/robot1/*", "to": "/robot/*"}},
		"pdf":     true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("rewrite status %d: %s", resp.StatusCode, body)
	}
	var res rewriteResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Stats.MessageCount != 20 || res.Stats.ExcludedCount != 20 || res.Stats.TopicsRenamed != 1 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	if len(res.Artifacts) != 3 {
		t.Fatalf("expected output, json and pdf artifacts, got %+v", res.Artifacts)
	}
	if res.Artifacts[0].Name != "renamed.bag" {
		t.Fatalf("unexpected output name %s", res.Artifacts[0].Name)
	}
	if res.Report == nil || res.Report.Output == nil || len(res.Report.Output.SHA256) != 64 {
		t.Fatalf("missing output fingerprint: %+v", res.Report)
	}

	art, ok := srv.getArtifact(res.Artifacts[0].ID)
	if !ok {
		t.Fatal("output artifact not registered")
	}
	rd, err := logio.Open(art.Path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer rd.Close()
	chans := rd.Channels()
	if len(chans) != 1 || chans[0].Topic != "/robot/odom" {
		t.Fatalf("unexpected output channels %+v", chans)
	}

	dl, err := http.Get(ts.URL + "/artifacts/" + res.Artifacts[2].ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	pdf, _ := io.ReadAll(dl.Body)
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) || dl.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected pdf download (%s)", dl.Header.Get("Content-Type"))
	}

	metrics, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(text), `robolog_rewrite_runs_total{status="ok"} 1`) {
		t.Fatalf("runs counter missing from /metrics:\n%s", text)
	}
}

func TestRewriteStreamsNDJSON(t *testing.T) {
	_, ts, dir := newTestServer(t)
	sample := writeSample(t, dir)

	resp := postJSON(t, ts.URL+"/rewrite?stream=true", map[string]any{"input": sample})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %s", ct)
	}
	var types []string
	var last map[string]json.RawMessage
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		var typ string
		json.Unmarshal(rec["type"], &typ)
		types = append(types, typ)
		last = rec
	}
	if len(types) < 3 || types[0] != "started" || types[len(types)-1] != "result" {
		t.Fatalf("unexpected record sequence %v", types)
	}
	var stats struct {
		MessageCount uint64 `json:"messageCount"`
	}
	if err := json.Unmarshal(last["stats"], &stats); err != nil || stats.MessageCount != 40 {
		t.Fatalf("unexpected final stats %s (%v)", last["stats"], err)
	}
}

func TestRewriteErrors(t *testing.T) {
	_, ts, dir := newTestServer(t)
	sample := writeSample(t, dir)
	bad := filepath.Join(dir, "broken.mcap")
	if err := os.WriteFile(bad, []byte("\x89MCAP0\r\nnot really"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cases := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"no input", map[string]any{}, http.StatusBadRequest},
		{"missing input", map[string]any{"input": filepath.Join(dir, "nope.mcap")}, http.StatusBadRequest},
		{"unknown profile", map[string]any{"input": sample, "profile": "nope"}, http.StatusBadRequest},
		{"bad rule", map[string]any{"input": sample, "rules": []map[string]string{{"kind": "regex", "from": "a"}}}, http.StatusBadRequest},
		{"malformed source", map[string]any{"input": bad}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/rewrite", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/rewrite")
	if err != nil {
		t.Fatalf("GET rewrite: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func upload(t *testing.T, url, name string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(data)
	mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	return resp
}

func TestUploadThenRewriteByID(t *testing.T) {
	_, ts, dir := newTestServer(t)
	data, err := os.ReadFile(writeSample(t, dir))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	resp := upload(t, ts.URL+"/upload", "drive.mcap", data)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	var up struct {
		Files []uploadRef `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if len(up.Files) != 1 || up.Files[0].Format != "mcap" {
		t.Fatalf("unexpected upload response %+v", up)
	}

	rw := postJSON(t, ts.URL+"/rewrite", map[string]any{"input": up.Files[0].ID, "profile": "strip"})
	rw.Body.Close()
	if rw.StatusCode != http.StatusOK {
		t.Fatalf("rewrite by id status %d", rw.StatusCode)
	}

	bad := upload(t, ts.URL+"/upload", "notes.mcap", []byte("plain text"))
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-container upload, got %d", bad.StatusCode)
	}
}
