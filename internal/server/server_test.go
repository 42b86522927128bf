package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/llm"
	"taskpulse/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	provider, err := llm.New(cfg)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	e := engine.New(conn, cfg, provider, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestScanAndNotificationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format(domain.DateLayout)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":    "ship release",
		"due_date": tomorrow,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reminders/scan", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d: %s", res.StatusCode, string(data))
	}
	var scan struct {
		Created  int `json:"created"`
		Rendered int `json:"rendered"`
		Failed   int `json:"failed"`
	}
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatalf("unmarshal scan: %v", err)
	}
	if scan.Created != 1 || scan.Rendered != 1 || scan.Failed != 0 {
		t.Fatalf("scan result = %+v, want one created and rendered", scan)
	}

	// Second trigger is a no-op thanks to the (task, stage) key.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reminders/scan", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second scan status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatal(err)
	}
	if scan.Created != 0 || scan.Rendered != 0 {
		t.Fatalf("second scan result = %+v, want all zero", scan)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications?status=delivered", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Notifications []domain.NotificationEvent `json:"notifications"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Notifications) != 1 {
		t.Fatalf("got %d delivered notifications, want 1", len(list.Notifications))
	}
	if list.Notifications[0].TaskID != created.ID || list.Notifications[0].Stage != string(domain.StageD1) {
		t.Fatalf("notification = %+v", list.Notifications[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages status %d: %s", res.StatusCode, string(data))
	}
	var msgs struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs.Messages))
	}
}

func TestFollowupEndpointIsIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/followups/evening/run", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("followup status %d: %s", res.StatusCode, string(data))
	}
	var first struct {
		Run     domain.FollowupRun `json:"run"`
		Created bool               `json:"created"`
	}
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatal(err)
	}
	if !first.Created || first.Run.Status != domain.EventRendered {
		t.Fatalf("first run = %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/followups/evening/run", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second followup status %d: %s", res.StatusCode, string(data))
	}
	var second struct {
		Run     domain.FollowupRun `json:"run"`
		Created bool               `json:"created"`
	}
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Fatal("second trigger must not create a run")
	}
	if second.Run.ID != first.Run.ID {
		t.Fatalf("run ids differ: %s vs %s", second.Run.ID, first.Run.ID)
	}
}

func TestUnknownSlotRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/followups/brunch/run", nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("brunch accepted: %s", string(data))
	}
}

func TestTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}
