package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
)

const recordJSON = `{"cid":"100","pid":"200","vid":"v1","defaultSegments":{"browser": "CH","country":"US"},"exps":["e1"],"vars":["x1"],"conversionRate":1}`

type posted struct {
	url       string
	body      []byte
	keepAlive bool
}

type fakeTransport struct {
	mu    sync.Mutex
	posts []posted
	code  int
	err   error
}

func (f *fakeTransport) Post(_ context.Context, url string, body []byte, keepAlive bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{url: url, body: body, keepAlive: keepAlive})
	if f.code == 0 {
		f.code = http.StatusOK
	}
	return f.code, f.err
}

type fakeBeaconTransport struct {
	fakeTransport
	accept  bool
	beacons []posted
}

func (f *fakeBeaconTransport) Beacon(_ string, url string, body []byte) bool {
	if !f.accept {
		return false
	}
	f.beacons = append(f.beacons, posted{url: url, body: body})
	return true
}

func record(t *testing.T) models.AttributionRecord {
	t.Helper()
	rec, err := models.ParseAttributionRecord(recordJSON)
	require.NoError(t, err)
	return rec
}

func newClient(tr Transport) *Client {
	return NewClient(Options{Domain: "convertexperiments.com", Source: "shopify"}, tr, zap.NewNop(), observability.NewNoOpRegistry())
}

func TestEndpoint(t *testing.T) {
	u, err := Endpoint("convertexperiments.com", "200")
	require.NoError(t, err)
	assert.Equal(t, "https://200.metrics.convertexperiments.com/track", u)

	for _, pid := range []string{
		"",
		"169.254.169.254/latest/x?",
		"internal.example",
		"10.0.0.1:6379#",
		"x@evil",
		"a%2f",
		"[::1]",
	} {
		_, err := Endpoint("convertexperiments.com", pid)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, "pid %q", pid)
	}
}

func TestSendRefusesForeignHost(t *testing.T) {
	rec := record(t)
	rec.PID = json.RawMessage(`"169.254.169.254/latest/x?"`)
	tr := &fakeBeaconTransport{accept: true}
	c := newClient(tr)

	goal := c.SendGoal(context.Background(), rec, []string{"g1"})
	assert.Equal(t, StatusFailed, goal.Status)
	assert.ErrorIs(t, goal.Err, ErrInvalidEndpoint)

	checkout, ok := jsontree.ParseString(`{"order":{"id":"o1"},"lineItems":[{}]}`)
	require.True(t, ok)
	tx := c.SendTransaction(context.Background(), rec, checkout, 10, []string{"p1"})
	assert.Equal(t, StatusFailed, tx.Status)
	assert.ErrorIs(t, tx.Err, ErrInvalidEndpoint)

	assert.Empty(t, tr.posts)
	assert.Empty(t, tr.beacons)
}

func TestSendGoalRequestBody(t *testing.T) {
	tr := &fakeTransport{}
	d := newClient(tr).SendGoal(context.Background(), record(t), []string{"g1"})

	require.True(t, d.OK(), "%v", d.Err)
	assert.Equal(t, MethodRequest, d.Method)
	require.Len(t, tr.posts, 1)
	assert.True(t, tr.posts[0].keepAlive, "unbeaconed goal hits carry the keep-alive hint")
	assert.Equal(t, "https://200.metrics.convertexperiments.com/track", tr.posts[0].url)
	assert.Equal(t,
		`{"cid":"100","pid":"200","seg":{"browser":"CH","country":"US"},"s":"shopify","vid":"v1","ev":[{"evt":"hitGoal","goals":["g1"],"exps":["e1"],"vars":["x1"]}]}`,
		string(tr.posts[0].body))
}

func TestSendGoalPrefersBeacon(t *testing.T) {
	tr := &fakeBeaconTransport{accept: true}
	d := newClient(tr).SendGoal(context.Background(), record(t), []string{"g1"})

	assert.Equal(t, MethodBeacon, d.Method)
	assert.Equal(t, StatusQueued, d.Status)
	assert.Len(t, tr.beacons, 1)
	assert.Empty(t, tr.posts)
}

func TestSendGoalFallsBackWhenBeaconRejected(t *testing.T) {
	tr := &fakeBeaconTransport{accept: false}
	d := newClient(tr).SendGoal(context.Background(), record(t), []string{"g1"})

	assert.Equal(t, MethodRequest, d.Method)
	assert.Equal(t, StatusSent, d.Status)
	assert.Len(t, tr.posts, 1)
}

func TestSendTransactionBody(t *testing.T) {
	tr := &fakeBeaconTransport{accept: true}
	checkout, ok := jsontree.ParseString(`{"order":{"id":"1001"},"lineItems":[{"id":1},{"id":2}],"totalPrice":{"amount":"80.00"}}`)
	require.True(t, ok)

	d := newClient(tr).SendTransaction(context.Background(), record(t), checkout, 80, []string{"p", "n"})

	require.True(t, d.OK(), "%v", d.Err)
	assert.Empty(t, tr.beacons, "transactions are never beaconed")
	require.Len(t, tr.posts, 1)
	assert.False(t, tr.posts[0].keepAlive)
	assert.Equal(t,
		`{"cid":"100","pid":"200","seg":{"browser":"CH","country":"US"},"s":"shopify","vid":"v1","tid":"1001","ev":[{"evt":"tr","goals":["p","n"],"exps":["e1"],"vars":["x1"],"r":80,"prc":2}]}`,
		string(tr.posts[0].body))
}

func TestSendTransactionNumericOrderID(t *testing.T) {
	tr := &fakeTransport{}
	checkout, _ := jsontree.ParseString(`{"order":{"id":5551},"lineItems":[]}`)
	d := newClient(tr).SendTransaction(context.Background(), record(t), checkout, 12.5, []string{"p"})
	require.True(t, d.OK())

	var body map[string]any
	require.NoError(t, json.Unmarshal(tr.posts[0].body, &body))
	assert.Equal(t, float64(5551), body["tid"])
}

func TestSendTransactionMalformedCheckout(t *testing.T) {
	for _, raw := range []string{
		`{"lineItems":[]}`,
		`{"order":{"id":null},"lineItems":[]}`,
		`{"order":{"id":"1"}}`,
		`{"order":{"id":"1"},"lineItems":{"a":1}}`,
	} {
		tr := &fakeTransport{}
		checkout, _ := jsontree.ParseString(raw)
		d := newClient(tr).SendTransaction(context.Background(), record(t), checkout, 1, []string{"p"})
		assert.Equal(t, StatusFailed, d.Status, raw)
		assert.ErrorIs(t, d.Err, ErrMalformedCheckout, raw)
		assert.Empty(t, tr.posts, "nothing is sent for %s", raw)
	}
}

func TestTransportFailureIsReturnedNotRetried(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	tr := &fakeTransport{code: http.StatusBadGateway, err: ErrTransport}
	c := NewClient(Options{Domain: "example.com", Source: "shopify"}, tr, zap.NewNop(), metrics)

	d := c.SendGoal(context.Background(), record(t), []string{"g"})
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, http.StatusBadGateway, d.StatusCode)
	assert.ErrorIs(t, d.Err, ErrTransport)
	assert.Len(t, tr.posts, 1, "exactly one network call")
	assert.Equal(t, 1, metrics.Count("deliveries", KindGoal, StatusFailed))
}

func TestNoGoalsSkipsNetwork(t *testing.T) {
	tr := &fakeTransport{}
	d := newClient(tr).SendGoal(context.Background(), record(t), nil)
	assert.Equal(t, StatusSkipped, d.Status)
	assert.ErrorIs(t, d.Err, ErrNoGoals)
	assert.Empty(t, tr.posts)
}

func TestEncodeIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs encode to identical valid bytes", prop.ForAll(
		func(cid, pid, vid string, goals []string, amount float64) bool {
			rec := models.AttributionRecord{
				CID: mustRaw(cid), PID: mustRaw(pid), VID: mustRaw(vid),
				Exps: json.RawMessage(`["1","2"]`), Vars: json.RawMessage(`["3","4"]`),
			}
			checkout, _ := jsontree.ParseString(`{"order":{"id":"o-1"},"lineItems":[{},{}]}`)
			a, err := BuildTransaction(rec, "shopify", checkout, amount, goals)
			if err != nil {
				return false
			}
			b, _ := BuildTransaction(rec, "shopify", checkout, amount, goals)
			first, err1 := Encode(a)
			second, err2 := Encode(b)
			return err1 == nil && err2 == nil &&
				string(first) == string(second) &&
				jsontree.IsValidJSONBytes(first)
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.Identifier(),
		gen.SliceOf(gen.NumString()),
		gen.Float64Range(0, 1e6),
	))

	properties.TestingRun(t)
}

func mustRaw(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestHTTPTransportPost(t *testing.T) {
	var got []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %s", ct)
		}
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(time.Second, zap.NewNop())
	code, err := tr.Post(context.Background(), server.URL+"/track", []byte(`{"a":1}`), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestHTTPTransportNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad pid", http.StatusNotFound)
	}))
	defer server.Close()

	tr := NewHTTPTransport(time.Second, zap.NewNop())
	code, err := tr.Post(context.Background(), server.URL, []byte(`{}`), false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "bad pid")
}

func TestHTTPTransportKeepAliveOutlivesCaller(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tr := NewHTTPTransport(0, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := tr.Post(ctx, server.URL, []byte(`{}`), true)
		done <- err
	}()
	cancel()
	close(release)
	assert.NoError(t, <-done)
}

func TestBeaconQueueDeliversAndDrainsOnClose(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	tr := &fakeTransport{}
	q := NewBeaconQueue(tr, 2, 8, zap.NewNop(), metrics)

	for i := 0; i < 5; i++ {
		assert.True(t, q.Beacon(KindGoal, "https://1.metrics.example.com/track", []byte(`{}`)))
	}
	q.Close()

	assert.Len(t, tr.posts, 5)
	for _, p := range tr.posts {
		assert.True(t, p.keepAlive)
	}
	assert.Equal(t, 5, metrics.Count("deliveries", KindGoal, StatusSent))
	assert.False(t, q.Beacon(KindGoal, "u", nil), "closed queue rejects beacons")
	q.Close()
}

func TestClosedBeaconQueueFallsBackToRequest(t *testing.T) {
	tr := &fakeTransport{}
	q := NewBeaconQueue(tr, 1, 4, zap.NewNop(), nil)
	q.Close()

	d := newClient(q).SendGoal(context.Background(), record(t), []string{"g1"})
	assert.Equal(t, MethodRequest, d.Method)
	assert.Equal(t, StatusSent, d.Status)
	require.Len(t, tr.posts, 1)
	assert.True(t, tr.posts[0].keepAlive)
}

func TestDeliveryOK(t *testing.T) {
	assert.True(t, Delivery{Status: StatusQueued}.OK())
	assert.True(t, Delivery{Status: StatusSent}.OK())
	assert.False(t, Delivery{Status: StatusFailed, Err: errors.New("x")}.OK())
	assert.False(t, Delivery{Status: StatusSkipped}.OK())
}
