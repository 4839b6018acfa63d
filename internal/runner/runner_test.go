package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"dealradar/internal/filter"
	"dealradar/internal/model"
	"dealradar/internal/pkg/metrics"
	"dealradar/internal/pkg/queue"
	"dealradar/internal/pkg/runlock"
	"dealradar/internal/search"
	"dealradar/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMain(m *testing.M) {
	metrics.InitMetrics()
	os.Exit(m.Run())
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// stubSearcher 返回固定结果的平台桩。
type stubSearcher struct {
	platform model.Platform
	listings []model.RawListing
	err      error
}

func (f *stubSearcher) Platform() model.Platform { return f.platform }
func (f *stubSearcher) Live() bool               { return true }

func (f *stubSearcher) Search(ctx context.Context, query string, maxPrice float64) ([]model.RawListing, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.listings, nil
}

// captureNotifier 记录发送的通知。
type captureNotifier struct {
	mu      sync.Mutex
	queries []string
	counts  []int
}

func (c *captureNotifier) Send(ctx context.Context, query string, matches []model.Match) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	c.counts = append(c.counts, len(matches))
	return nil
}

type testEnv struct {
	runner *Runner
	store  *store.Store
	lock   *runlock.Lock
	notify *captureNotifier
	queue  *queue.Queue
}

func newTestEnv(t *testing.T, searchers ...search.Searcher) *testEnv {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := newTestLogger()
	st := store.New(rdb, logger)
	lock := runlock.New(rdb, time.Minute)
	agg := search.NewAggregator(logger, searchers...)
	rel := filter.NewRelevance(nil, logger)
	notifier := &captureNotifier{}

	q := queue.New(logger, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	t.Cleanup(q.Shutdown)

	return &testEnv{
		runner: New(st, agg, rel, lock, notifier, q, 5*time.Second, logger),
		store:  st,
		lock:   lock,
		notify: notifier,
		queue:  q,
	}
}

func TestRunner_RunSearch(t *testing.T) {
	env := newTestEnv(t,
		&stubSearcher{platform: model.PlatformEbay, listings: []model.RawListing{
			{ID: "1", Title: "iPhone 13 128GB", Price: 450, Currency: "EUR", Platform: model.PlatformEbay},
			{ID: "2", Title: "Samsung Galaxy S22", Price: 380, Currency: "EUR", Platform: model.PlatformEbay},
		}},
	)
	ctx := context.Background()

	srch, err := env.store.CreateSearch(ctx, "iphone 13", 500)
	if err != nil {
		t.Fatalf("create search: %v", err)
	}

	result, err := env.runner.RunSearch(ctx, srch.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Found != 2 {
		t.Errorf("expected 2 found, got %d", result.Found)
	}
	// Samsung 被关键词过滤剔除
	if result.Matched != 1 {
		t.Errorf("expected 1 matched, got %d", result.Matched)
	}
	if len(result.Appended) != 1 || result.Appended[0].Title != "iPhone 13 128GB" {
		t.Fatalf("unexpected appended: %+v", result.Appended)
	}

	stored, err := env.store.QueryMatches(ctx, store.MatchQuery{})
	if err != nil {
		t.Fatalf("query matches: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 persisted match, got %d", len(stored))
	}
	if stored[0].SearchID != srch.ID {
		t.Errorf("match has search_id %s", stored[0].SearchID)
	}

	// 有新匹配时发送通知
	if len(env.notify.queries) != 1 || env.notify.queries[0] != "iphone 13" {
		t.Errorf("expected 1 notification for query, got %v", env.notify.queries)
	}
}

func TestRunner_RunSearchNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.runner.RunSearch(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunner_RunSearchHonorsDisabledPlatforms(t *testing.T) {
	env := newTestEnv(t,
		&stubSearcher{platform: model.PlatformEbay, listings: []model.RawListing{
			{ID: "1", Title: "iPhone 13", Price: 450, Platform: model.PlatformEbay},
		}},
		&stubSearcher{platform: model.PlatformKleinanzeigen, listings: []model.RawListing{
			{ID: "2", Title: "iPhone 13 Blau", Price: 420, Platform: model.PlatformKleinanzeigen},
		}},
	)
	ctx := context.Background()

	if err := env.store.SaveSettings(ctx, model.Settings{EnabledPlatforms: map[model.Platform]bool{
		model.PlatformEbay: false,
	}}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	srch, err := env.store.CreateSearch(ctx, "iphone 13", 0)
	if err != nil {
		t.Fatalf("create search: %v", err)
	}

	result, err := env.runner.RunSearch(ctx, srch.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Found != 1 {
		t.Fatalf("expected only the enabled platform to contribute, found=%d", result.Found)
	}
	if result.Appended[0].Platform != model.PlatformKleinanzeigen {
		t.Fatalf("unexpected platform: %s", result.Appended[0].Platform)
	}
}

func TestRunner_RunSearchLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srch, err := env.store.CreateSearch(ctx, "iphone 13", 0)
	if err != nil {
		t.Fatalf("create search: %v", err)
	}

	// 手动持有锁，模拟执行中
	acquired, err := env.lock.Acquire(ctx, srch.ID)
	if err != nil || !acquired {
		t.Fatalf("pre-acquire lock: acquired=%v err=%v", acquired, err)
	}

	if _, err := env.runner.RunSearch(ctx, srch.ID); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	// 释放后可以正常执行
	if err := env.lock.Release(ctx, srch.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.runner.RunSearch(ctx, srch.ID); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRunner_FailingPlatformYieldsEmptyRun(t *testing.T) {
	env := newTestEnv(t,
		&stubSearcher{platform: model.PlatformEbay, err: errors.New("upstream down")},
	)
	ctx := context.Background()

	srch, err := env.store.CreateSearch(ctx, "iphone 13", 0)
	if err != nil {
		t.Fatalf("create search: %v", err)
	}

	// 平台失败不是执行失败：最坏情况是零结果
	result, err := env.runner.RunSearch(ctx, srch.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Found != 0 || result.Matched != 0 || len(result.Appended) != 0 {
		t.Fatalf("expected empty run, got %+v", result)
	}
	if len(env.notify.queries) != 0 {
		t.Fatal("no notification expected for empty run")
	}
}

func TestRunner_RunAll(t *testing.T) {
	env := newTestEnv(t,
		&stubSearcher{platform: model.PlatformEbay, listings: []model.RawListing{
			{ID: "1", Title: "iPhone 13", Price: 450, Platform: model.PlatformEbay},
			{ID: "2", Title: "ThinkPad X1 Carbon", Price: 650, Platform: model.PlatformEbay},
		}},
	)
	ctx := context.Background()

	if _, err := env.store.CreateSearch(ctx, "iphone", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.store.CreateSearch(ctx, "thinkpad", 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	enqueued, err := env.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if enqueued != 2 {
		t.Fatalf("expected 2 enqueued, got %d", enqueued)
	}

	// 等待异步执行完成
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		matches, err := env.store.QueryMatches(ctx, store.MatchQuery{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(matches) == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	matches, _ := env.store.QueryMatches(ctx, store.MatchQuery{})
	t.Fatalf("expected 2 matches after run-all, got %d", len(matches))
}
