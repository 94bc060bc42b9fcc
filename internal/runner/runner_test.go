package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/queue"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := config.DefaultConfig()
	prefix := t.TempDir()
	cfg.Paths = config.PathsConfig{
		Prefix:   prefix,
		QueueDir: filepath.Join(prefix, "qfiles"),
		ListsDir: filepath.Join(prefix, "lists"),
		DataDir:  filepath.Join(prefix, "data"),
		LocksDir: filepath.Join(prefix, "locks"),
		LogsDir:  filepath.Join(prefix, "logs"),
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	store := list.NewStore(cfg.Paths.ListsDir, cfg.Paths.DataDir, cfg.Paths.LocksDir,
		cfg.LockLifetime(), cfg.ListLockTimeout())
	return Deps{Config: cfg, Logger: logging.Default(), Store: store}
}

func newList(t *testing.T, deps Deps, name string, members ...string) *list.MailList {
	t.Helper()
	ml, err := deps.Store.Create(name, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	locked, err := deps.Store.Lock(name)
	if err != nil {
		t.Fatal(err)
	}
	defer deps.Store.Unlock(locked)
	for _, m := range members {
		if _, err := locked.AddMember(m, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := deps.Store.Save(locked); err != nil {
		t.Fatal(err)
	}
	return ml
}

func queueFor(deps Deps, name string) *queue.Switchboard {
	return queue.New(name, deps.Config.QueuePath(name))
}

func drainOnce(t *testing.T, deps Deps, name string) {
	t.Helper()
	r, err := New(name, 0, 1, deps, true)
	if err != nil {
		t.Fatalf("New(%s) error = %v", name, err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run(%s) error = %v", name, err)
	}
}

func TestUnknownRunner(t *testing.T) {
	deps := testDeps(t)
	if _, err := New("nonesuch", 0, 1, deps, true); err == nil {
		t.Fatal("New(nonesuch) succeeded")
	}
}

func TestIncomingAcceptsMemberPost(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")

	raw := []byte("From: alice@example.com\r\nSubject: hello\r\nMessage-Id: <1@x>\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "incoming").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "incoming")

	files, _ := queueFor(deps, "pipeline").Files()
	if len(files) != 1 {
		t.Fatalf("pipeline queue has %d entries, want 1", len(files))
	}
	if n, _ := queueFor(deps, "incoming").Len(); n != 0 {
		t.Errorf("incoming queue not drained")
	}
}

func TestIncomingHoldsNonMemberPost(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")

	raw := []byte("From: eve@example.com\r\nSubject: buy now\r\n\r\nspam\r\n")
	if _, err := queueFor(deps, "incoming").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "incoming")

	if files, _ := queueFor(deps, "pipeline").Files(); len(files) != 0 {
		t.Errorf("held post reached pipeline")
	}
	ml, err := deps.Store.Open("projects")
	if err != nil {
		t.Fatal(err)
	}
	held, err := ml.RequestsOfKind(list.ReqHeldMessage)
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 {
		t.Fatalf("held requests = %d, want 1", len(held))
	}
	if held[0].Sender != "eve@example.com" {
		t.Errorf("held sender = %s", held[0].Sender)
	}
	// Owner notice and sender ack both land on the virgin queue.
	if files, _ := queueFor(deps, "virgin").Files(); len(files) != 2 {
		t.Errorf("virgin queue has %d entries, want 2", len(files))
	}
}

func TestPipelineDecoratesAndFansOut(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com", "bob@example.com")
	locked, err := deps.Store.Lock("projects")
	if err != nil {
		t.Fatal(err)
	}
	locked.SubjectPrefix = "[Projects]"
	locked.Footer = "-- \nProjects list\n"
	if err := deps.Store.Save(locked); err != nil {
		t.Fatal(err)
	}
	deps.Store.Unlock(locked)

	raw := []byte("From: alice@example.com\r\nTo: projects@example.com\r\nSubject: hello\r\nContent-Type: text/plain\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "pipeline").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "pipeline")

	out := queueFor(deps, "outgoing")
	files, _ := out.Files()
	if len(files) != 1 {
		t.Fatalf("outgoing queue has %d entries, want 1", len(files))
	}
	msg, meta, err := out.Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	rcpts := meta.StringSlice("recipients")
	if len(rcpts) != 2 {
		t.Errorf("recipients = %v, want both members", rcpts)
	}
	if meta.String("sender") != "projects-bounces@example.com" {
		t.Errorf("sender = %s", meta.String("sender"))
	}
	body := string(msg)
	for _, want := range []string{"[Projects]", "List-Id:", "X-BeenThere", "Projects list"} {
		if !contains(body, want) {
			t.Errorf("decorated message missing %q", want)
		}
	}
	// Archiving is on by default.
	if files, _ := queueFor(deps, "archive").Files(); len(files) != 1 {
		t.Errorf("archive queue has %d entries, want 1", len(files))
	}
}

func TestPipelineDiscardsLoopedPost(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")

	raw := []byte("From: alice@example.com\r\nSubject: hi\r\nX-BeenThere: projects@example.com\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "pipeline").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "pipeline")

	if files, _ := queueFor(deps, "outgoing").Files(); len(files) != 0 {
		t.Errorf("looped post reached outgoing")
	}
}

func TestPipelineDoesNotGateNewsOriginBack(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")
	locked, err := deps.Store.Lock("projects")
	if err != nil {
		t.Fatal(err)
	}
	locked.GateToNews = true
	locked.NewsGroup = "comp.lang.go"
	if err := deps.Store.Save(locked); err != nil {
		t.Fatal(err)
	}
	deps.Store.Unlock(locked)

	post := func(fromnews bool) {
		t.Helper()
		raw := []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nbody\r\n")
		meta := queue.Metadata{"listname": "projects"}
		if fromnews {
			meta["fromnews"] = true
		}
		if _, err := queueFor(deps, "pipeline").Enqueue(raw, meta); err != nil {
			t.Fatal(err)
		}
		drainOnce(t, deps, "pipeline")
	}

	post(true)
	if files, _ := queueFor(deps, "news").Files(); len(files) != 0 {
		t.Errorf("article gated from the newsgroup was gated back to it")
	}
	post(false)
	if files, _ := queueFor(deps, "news").Files(); len(files) != 1 {
		t.Errorf("mail-origin post did not reach the news queue")
	}
}

func TestRetryDefersUntilDue(t *testing.T) {
	deps := testDeps(t)
	h, err := newRetry(deps)
	if err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).Unix()
	requeue, err := h.Dispose(context.Background(), []byte("m"), queue.Metadata{
		"deliver_after": future, "listname": "projects",
	})
	if err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if !requeue {
		t.Error("entry not yet due was not requeued")
	}

	past := time.Now().Add(-time.Minute).Unix()
	requeue, err = h.Dispose(context.Background(), []byte("m"), queue.Metadata{
		"deliver_after": past, "listname": "projects",
	})
	if err != nil {
		t.Fatal(err)
	}
	if requeue {
		t.Error("due entry was requeued instead of forwarded")
	}
	if files, _ := queueFor(deps, "outgoing").Files(); len(files) != 1 {
		t.Errorf("due entry did not reach outgoing")
	}
}

func TestVirginStampsAndForwards(t *testing.T) {
	deps := testDeps(t)
	raw := []byte("From: projects-bounces@example.com\r\nTo: alice@example.com\r\nSubject: notice\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "virgin").Enqueue(raw, queue.Metadata{
		"listname": "projects", "recipient": "alice@example.com",
	}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "virgin")

	out := queueFor(deps, "outgoing")
	files, _ := out.Files()
	if len(files) != 1 {
		t.Fatalf("outgoing has %d entries, want 1", len(files))
	}
	msg, meta, err := out.Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(msg), "Message-Id:") && !contains(string(msg), "Message-ID:") {
		t.Error("virgin runner did not stamp Message-Id")
	}
	if got := meta.StringSlice("recipients"); len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("recipients = %v", got)
	}
	if meta.String("sender") != "projects-bounces@localhost" {
		t.Errorf("sender = %s", meta.String("sender"))
	}
}

func TestBounceScoringDisablesMember(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")
	locked, err := deps.Store.Lock("projects")
	if err != nil {
		t.Fatal(err)
	}
	locked.BounceThreshold = 2.0
	if err := deps.Store.Save(locked); err != nil {
		t.Fatal(err)
	}
	deps.Store.Unlock(locked)

	bq := queueFor(deps, "bounce")
	enqueue := func() {
		t.Helper()
		if _, err := bq.Enqueue([]byte("ignored"), queue.Metadata{
			"listname": "projects", "internal": true,
			"recipients": []string{"alice@example.com"}, "severity": "hard",
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Two hard bounces on distinct days cross the threshold; pin the
	// clock so each event lands on its own day.
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	defer func() { timeNow = time.Now }()

	timeNow = func() time.Time { return base }
	enqueue()
	drainOnce(t, deps, "bounce")

	timeNow = func() time.Time { return base.Add(24 * time.Hour) }
	enqueue()
	drainOnce(t, deps, "bounce")

	ml, err := deps.Store.Open("projects")
	if err != nil {
		t.Fatal(err)
	}
	status, err := ml.DeliveryStatusOf("alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if status != list.StatusByBounce {
		t.Errorf("status = %s, want bybounce", status)
	}
	info, ok := ml.BounceInfoOf("alice@example.com")
	if !ok || info.Cookie == "" {
		t.Error("disabled member has no re-enable cookie")
	}
	// Warnings wait for the sweep; only the owner notice goes out now.
	if info.NoticeCount != 0 {
		t.Errorf("NoticeCount = %d, want 0", info.NoticeCount)
	}
	if files, _ := queueFor(deps, "virgin").Files(); len(files) < 1 {
		t.Error("no owner notice enqueued")
	}
}

func TestBounceUnrecognizedShunts(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")

	// Ordinary mail sent to the -bounces address is not scorable.
	raw := []byte("From: curious@example.org\r\nSubject: why did my post bounce?\r\n\r\nplease advise\r\n")
	if _, err := queueFor(deps, "bounce").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "bounce")

	files, _ := queueFor(deps, "shunt").Files()
	if len(files) != 1 {
		t.Fatalf("shunt queue has %d entries, want 1", len(files))
	}
	_, meta, err := queueFor(deps, "shunt").Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if meta.String("lastq") != "bounce" {
		t.Errorf("lastq = %s, want bounce", meta.String("lastq"))
	}
	ml, _ := deps.Store.Open("projects")
	if len(ml.Bounces) != 0 {
		t.Errorf("unrecognized bounce created score state: %v", ml.Bounces)
	}
}

func TestSameDayBouncesCountOnce(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects", "alice@example.com")

	bq := queueFor(deps, "bounce")
	for i := 0; i < 3; i++ {
		if _, err := bq.Enqueue([]byte("x"), queue.Metadata{
			"listname": "projects", "internal": true,
			"recipients": []string{"alice@example.com"}, "severity": "hard",
		}); err != nil {
			t.Fatal(err)
		}
	}
	drainOnce(t, deps, "bounce")

	ml, _ := deps.Store.Open("projects")
	info, ok := ml.BounceInfoOf("alice@example.com")
	if !ok {
		t.Fatal("no bounce record")
	}
	if info.Score != 1.0 {
		t.Errorf("score = %g, want 1.0 (one event per day)", info.Score)
	}
}

func TestCommandSubscribeOpenPolicy(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects")
	locked, err := deps.Store.Lock("projects")
	if err != nil {
		t.Fatal(err)
	}
	locked.SubscribePolicy = list.SubscribeOpen
	if err := deps.Store.Save(locked); err != nil {
		t.Fatal(err)
	}
	deps.Store.Unlock(locked)

	raw := []byte("From: carol@example.com\r\nSubject: subscribe\r\n\r\n\r\n")
	if _, err := queueFor(deps, "command").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "command")

	ml, _ := deps.Store.Open("projects")
	if !ml.IsMember("carol@example.com") {
		t.Error("subscribe command did not add member")
	}
	if files, _ := queueFor(deps, "virgin").Files(); len(files) != 1 {
		t.Errorf("command reply count = %d, want 1", len(files))
	}
}

func TestCommandConfirmRoundTrip(t *testing.T) {
	deps := testDeps(t)
	newList(t, deps, "projects")

	// Default policy requires confirmation.
	raw := []byte("From: carol@example.com\r\nSubject: subscribe\r\n\r\n\r\n")
	if _, err := queueFor(deps, "command").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "command")

	ml, _ := deps.Store.Open("projects")
	if ml.IsMember("carol@example.com") {
		t.Fatal("member added without confirmation")
	}
	reqs, err := ml.RequestsOfKind(list.ReqSubscription)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("pending subscriptions = %d (err %v), want 1", len(reqs), err)
	}

	confirm := []byte("From: carol@example.com\r\nSubject: confirm " + reqs[0].Cookie + "\r\n\r\n\r\n")
	if _, err := queueFor(deps, "command").Enqueue(confirm, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "command")

	ml, _ = deps.Store.Open("projects")
	if !ml.IsMember("carol@example.com") {
		t.Error("confirmed subscription did not add member")
	}
	if reqs, _ := ml.RequestsOfKind(list.ReqSubscription); len(reqs) != 0 {
		t.Error("confirmed request still pending")
	}
}

func TestShuntAndUnshunt(t *testing.T) {
	deps := testDeps(t)
	// No such list: the incoming handler errors and the entry shunts.
	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "incoming").Enqueue(raw, queue.Metadata{"listname": "ghost"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "incoming")

	shunt := queueFor(deps, "shunt")
	files, _ := shunt.Files()
	if len(files) != 1 {
		t.Fatalf("shunt queue has %d entries, want 1", len(files))
	}
	_, meta, err := shunt.Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if meta.String("lastq") != "incoming" {
		t.Errorf("lastq = %s, want incoming", meta.String("lastq"))
	}
	if meta.String("shunt_error") == "" {
		t.Error("shunt_error not recorded")
	}
	// Put it back for the unshunt pass.
	if _, err := shunt.Enqueue(raw, meta.Copy()); err != nil {
		t.Fatal(err)
	}
	shunt.Finish(files[0], false, "")

	n, err := Unshunt(deps.Config, deps.Logger, nil, "")
	if err != nil {
		t.Fatalf("Unshunt() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Unshunt() = %d, want 1", n)
	}
	inFiles, _ := queueFor(deps, "incoming").Files()
	if len(inFiles) != 1 {
		t.Fatalf("incoming has %d entries after unshunt, want 1", len(inFiles))
	}
	_, restored, err := queueFor(deps, "incoming").Dequeue(inFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := restored["lastq"]; ok {
		t.Error("unshunted entry still carries lastq")
	}
	if _, ok := restored["shunt_error"]; ok {
		t.Error("unshunted entry still carries shunt_error")
	}
}

func TestUnshuntPreservesUnparseableEntry(t *testing.T) {
	deps := testDeps(t)
	shuntDir := deps.Config.QueuePath("shunt")
	if err := os.WriteFile(filepath.Join(shuntDir, "00deadbeef+0.pck"), []byte("not a queue record"), 0640); err != nil {
		t.Fatal(err)
	}

	n, err := Unshunt(deps.Config, deps.Logger, nil, "")
	if err != nil {
		t.Fatalf("Unshunt() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Unshunt() = %d, want 0", n)
	}
	// The artifact moved to bad/; nothing is left behind for
	// RecoverBackups to resurrect.
	left, err := os.ReadDir(shuntDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("shunt dir still holds %d files", len(left))
	}
	bad, err := os.ReadDir(deps.Config.QueuePath("bad"))
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 1 {
		t.Errorf("bad dir holds %d files, want 1", len(bad))
	}
}

func TestArchiveWritesMaildir(t *testing.T) {
	deps := testDeps(t)
	raw := []byte("From: alice@example.com\r\nSubject: keep\r\n\r\nbody\r\n")
	if _, err := queueFor(deps, "archive").Enqueue(raw, queue.Metadata{"listname": "projects"}); err != nil {
		t.Fatal(err)
	}
	drainOnce(t, deps, "archive")

	newDir := filepath.Join(deps.Config.Paths.DataDir, "archives", "projects", "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		t.Fatalf("archive maildir missing: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("archive maildir has %d messages, want 1", len(entries))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	deps := testDeps(t)
	r, err := New("retry", 0, 1, deps, false)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
