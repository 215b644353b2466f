package handler

import (
	"bufio"
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shallowclouds/carbonsink/carbon"
	"github.com/shallowclouds/carbonsink/loop"
	"github.com/shallowclouds/carbonsink/metric"
	"github.com/shallowclouds/carbonsink/shard"
)

// fakeRouter answers lookups from a fixed key -> shard table.
type fakeRouter struct {
	shards  map[string]int
	lookups []string
	closed  bool
	err     error
}

func (r *fakeRouter) Lookup(key string) (shard.Assignment, error) {
	r.lookups = append(r.lookups, key)
	if r.err != nil {
		return shard.Assignment{}, r.err
	}
	n, ok := r.shards[key]
	if !ok {
		return shard.ParseAssignment("key=" + key)
	}
	return shard.Assignment{
		Fields: map[string]string{"key": key, "carbon": "127.0.0.1:2000"},
		Shards: map[string]int{shard.CarbonField: n},
	}, nil
}

func (r *fakeRouter) Close() error {
	r.closed = true
	return nil
}

// recordingSink remembers every record and answers with ok.
type recordingSink struct {
	name    string
	ok      bool
	records []metric.Record
	closed  bool
}

func (s *recordingSink) Write(r metric.Record) bool {
	s.records = append(s.records, r)
	return s.ok
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) lines() []string {
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Render())
	}
	return out
}

type listener struct {
	net.Listener
	lines chan string
}

func listen(t *testing.T) *listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &listener{Listener: l, lines: make(chan string, 64)}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			ln.lines <- line
		}
	}()
	t.Cleanup(func() { _ = l.Close() })
	return ln
}

func (l *listener) next(t *testing.T) string {
	select {
	case line := <-l.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for carbon line")
		return ""
	}
}

func (l *listener) assertEmpty(t *testing.T) {
	select {
	case line := <-l.lines:
		t.Fatalf("unexpected carbon line %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func readFile(t *testing.T, path string) string {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func TestHandler_NoBuffering(t *testing.T) {
	ln := listen(t)
	cs, err := carbon.NewSink(ln.Addr().String())
	require.NoError(t, err)

	monitor := filepath.Join(t.TempDir(), "instance")
	require.NoError(t, ioutil.WriteFile(monitor, nil, 0644))

	h := New("prefix", t.TempDir(), cs)
	defer h.Close()
	h.AddMonitoringSink(monitor, "mon")
	assert.Equal(t, "", readFile(t, monitor))

	require.NoError(t, h.Handle("foo|bar|1"))
	assert.Equal(t, "", readFile(t, monitor))
	assert.Equal(t, "prefix.foo bar 1\n", ln.next(t))

	require.NoError(t, h.Handle("mon|foo|1"))
	assert.Equal(t, "foo\n", readFile(t, monitor))
	assert.Equal(t, "prefix.mon foo 1\n", ln.next(t))

	require.NoError(t, h.Handle("quux|baz|1"))
	assert.Equal(t, "foo\n", readFile(t, monitor))
	assert.Equal(t, "prefix.quux baz 1\n", ln.next(t))

	assert.Equal(t, Stats{Forwarded: 3}, h.Stats())
}

func TestHandler_MonitoringStatWithSpaces(t *testing.T) {
	monitor := filepath.Join(t.TempDir(), "instance")
	h := New("prefix", t.TempDir())
	h.AddMonitoringSink(monitor, "my heartbeat")

	require.NoError(t, h.Handle("my heartbeat|ok|1"))
	assert.Equal(t, "ok\n", readFile(t, monitor))
}

func TestHandler_CarriageReturnInKey(t *testing.T) {
	s := &recordingSink{ok: true}
	router := &fakeRouter{shards: map[string]int{"p.a\rb": 2, "p.c": 2}}
	h := New("p", t.TempDir(), s)
	require.NoError(t, h.SetBuffering(shard.NewSet(0), router))

	l := &loop.Loop{Input: strings.NewReader("a\rb|1|1\nc|2|2\n"), Dispatcher: h}
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"p.a\rb", "p.c"}, router.lookups)
	assert.Equal(t, []string{"p.a\rb 1 1\n", "p.c 2 2\n"}, s.lines())
}

func TestHandler_SinkFailureDoesNotBlockOthers(t *testing.T) {
	failing := &recordingSink{name: "failing", ok: false}
	healthy := &recordingSink{name: "healthy", ok: true}
	h := New("p", t.TempDir(), failing, healthy)

	require.NoError(t, h.Handle("a|1|1"))
	require.NoError(t, h.Handle("b|2|2"))

	assert.Equal(t, []string{"p.a 1 1\n", "p.b 2 2\n"}, failing.lines())
	assert.Equal(t, []string{"p.a 1 1\n", "p.b 2 2\n"}, healthy.lines())
	assert.Equal(t, uint64(2), h.Stats().SinkFailures)

	require.NoError(t, h.Close())
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}

func TestHandler_Malformed(t *testing.T) {
	s := &recordingSink{ok: true}
	h := New("p", t.TempDir(), s)

	err := h.Handle("no separators")
	assert.True(t, errors.Is(err, metric.ErrMalformedRecord))
	err = h.Handle("k|v|notanumber")
	assert.True(t, errors.Is(err, metric.ErrMalformedRecord))

	assert.Empty(t, s.records)
	assert.Equal(t, uint64(2), h.Stats().Malformed)
}

func TestHandler_BufferingDisabledSkipsRouter(t *testing.T) {
	s := &recordingSink{ok: true}
	router := &fakeRouter{}
	h := New("p", t.TempDir(), s)
	require.NoError(t, h.SetBuffering(shard.NewSet(), router))

	require.NoError(t, h.Handle("a|1|1"))
	assert.Empty(t, router.lookups)
	assert.True(t, router.closed, "an unused router is released immediately")
	assert.Len(t, s.records, 1)
}

func TestHandler_Buffering(t *testing.T) {
	dir := t.TempDir()
	s := &recordingSink{ok: true}
	router := &fakeRouter{shards: map[string]int{"p.one": 1, "p.two": 2}}
	h := New("p", dir, s)
	require.NoError(t, h.SetBuffering(shard.NewSet(0, 1), router))

	require.NoError(t, h.Handle("one|1|1"))
	assert.Empty(t, s.records, "buffered records skip every sink")
	assert.Equal(t, "p.one 1 1\n", readFile(t, filepath.Join(dir, "shard_1.txt")))

	require.NoError(t, h.Handle("two|2|2"))
	assert.Equal(t, []string{"p.two 2 2\n"}, s.lines())
	for _, n := range []string{"0", "1", "2"} {
		assert.NotContains(t, readFile(t, filepath.Join(dir, "shard_"+n+".txt")), "p.two")
	}

	assert.Equal(t, []string{"p.one", "p.two"}, router.lookups)
	assert.Equal(t, Stats{Forwarded: 1, Buffered: 1}, h.Stats())

	require.NoError(t, h.Close())
	assert.True(t, router.closed)
}

func TestHandler_RouterFailure(t *testing.T) {
	s := &recordingSink{ok: true}
	router := &fakeRouter{err: errors.Wrap(shard.ErrProtocol, "helper exited")}
	h := New("p", t.TempDir(), s)
	require.NoError(t, h.SetBuffering(shard.NewSet(1), router))

	err := h.Handle("a|1|1")
	assert.True(t, errors.Is(err, shard.ErrProtocol))
	assert.Empty(t, s.records)

	router.err = nil
	err = h.Handle("unknown|1|1")
	assert.True(t, errors.Is(err, shard.ErrProtocol), "a response without carbon_shard is a protocol failure")
}

func TestHandler_BufferFailureDropsRecord(t *testing.T) {
	s := &recordingSink{ok: true}
	router := &fakeRouter{shards: map[string]int{"p.a": 0}}
	h := New("p", filepath.Join(t.TempDir(), "missing"), s)
	require.NoError(t, h.SetBuffering(shard.NewSet(0), router))

	require.NoError(t, h.Handle("a|1|1"))
	assert.Empty(t, s.records)
	assert.Equal(t, uint64(1), h.Stats().BufferFailures)
}

func TestHandler_SetBufferingRequiresRouter(t *testing.T) {
	h := New("p", t.TempDir())
	assert.Error(t, h.SetBuffering(shard.NewSet(1), nil))
	assert.NoError(t, h.SetBuffering(nil, nil))
}

func TestHandler_LoadBuffering(t *testing.T) {
	dir := t.TempDir()
	shardFile := filepath.Join(dir, "shards.txt")
	h := New("p", dir, &recordingSink{ok: true})
	defer h.Close()

	started := 0
	var routers []*fakeRouter
	start := func() (shard.Router, error) {
		started++
		r := &fakeRouter{shards: map[string]int{"p.a": 3}}
		routers = append(routers, r)
		return r, nil
	}

	require.NoError(t, h.LoadBuffering(shardFile, start))
	assert.Equal(t, 0, started, "missing shard file disables buffering")

	require.NoError(t, ioutil.WriteFile(shardFile, []byte("3\n"), 0644))
	require.NoError(t, h.LoadBuffering(shardFile, start))
	assert.Equal(t, 1, started)
	require.NoError(t, h.Handle("a|1|1"))
	assert.Equal(t, "p.a 1 1\n", readFile(t, filepath.Join(dir, "shard_3.txt")))

	// Reloading restarts the router and terminates the old one.
	require.NoError(t, h.LoadBuffering(shardFile, start))
	assert.Equal(t, 2, started)
	assert.True(t, routers[0].closed)
	assert.False(t, routers[1].closed)

	require.NoError(t, ioutil.WriteFile(shardFile, nil, 0644))
	require.NoError(t, h.LoadBuffering(shardFile, start))
	assert.Equal(t, 2, started)
	assert.True(t, routers[1].closed)

	failing := func() (shard.Router, error) { return nil, errors.New("no such file") }
	require.NoError(t, ioutil.WriteFile(shardFile, []byte("1\n"), 0644))
	assert.Error(t, h.LoadBuffering(shardFile, failing))
}

func TestHandler_EndToEnd(t *testing.T) {
	fruits := []string{"apple", "banana", "cherry", "durian", "guava", "kiwi",
		"lemon", "orange", "peach", "pear", "quince", "strawberry"}
	shards := map[string]int{}
	for i, fruit := range fruits {
		shards["prefix."+fruit] = i % 4
	}

	ln := listen(t)
	cs, err := carbon.NewSink(ln.Addr().String())
	require.NoError(t, err)

	dir := t.TempDir()
	h := New("prefix", dir, cs)
	defer h.Close()
	require.NoError(t, h.SetBuffering(shard.NewSet(0, 1), &fakeRouter{shards: shards}))

	want := map[int]string{}
	var forwarded []string
	for _, fruit := range fruits {
		line := "prefix." + fruit + " foo 1\n"
		require.NoError(t, h.Handle(fruit+"|foo|1"))
		n := shards["prefix."+fruit]
		if n == 0 || n == 1 {
			want[n] += line
		} else {
			forwarded = append(forwarded, line)
		}
	}

	for _, line := range forwarded {
		assert.Equal(t, line, ln.next(t))
	}
	ln.assertEmpty(t)
	for n := 0; n < 4; n++ {
		assert.Equal(t, want[n], readFile(t, filepath.Join(dir, "shard_"+string(rune('0'+n))+".txt")))
	}
	assert.Equal(t, Stats{Forwarded: 6, Buffered: 6}, h.Stats())
}
