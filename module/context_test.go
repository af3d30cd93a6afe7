package module

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/modhost/clienthub"
	"go.viam.com/modhost/config"
)

type fakeDB struct {
	pings  int
	closed bool
}

func (db *fakeDB) Ping(ctx context.Context) error {
	db.pings++
	return nil
}

func (db *fakeDB) Close(ctx context.Context) error {
	db.closed = true
	return nil
}

type fakeDBProvider struct {
	handles map[string]DB
	errFor  string
}

func (p *fakeDBProvider) DBFor(ctx context.Context, module string) (DB, bool, error) {
	if module == p.errFor {
		return nil, false, errors.New("connection refused")
	}
	db, ok := p.handles[module]
	return db, ok, nil
}

type fakeClient struct {
	id int
}

func TestContextBuilderAttributes(t *testing.T) {
	logger := golog.NewTestLogger(t)
	conf := &config.Config{Modules: map[string]config.AttributeMap{
		"cache": {"addr": "localhost:6379", "ttl_seconds": 30, "extra": "ignored"},
	}}
	b := NewContextBuilder(logger, conf, nil, nil)

	mctx, err := b.ForModule(context.Background(), "cache")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mctx.Name(), test.ShouldEqual, "cache")
	test.That(t, mctx.RawConfig().GetString("addr"), test.ShouldEqual, "localhost:6379")

	var parsed struct {
		Addr       string `json:"addr"`
		TTLSeconds int    `json:"ttl_seconds"`
		Missing    string `json:"missing"`
	}
	test.That(t, mctx.DecodeConfig(&parsed), test.ShouldBeNil)
	test.That(t, parsed.Addr, test.ShouldEqual, "localhost:6379")
	test.That(t, parsed.TTLSeconds, test.ShouldEqual, 30)
	test.That(t, parsed.Missing, test.ShouldEqual, "")

	// a module without a section still resolves, with empty attributes
	mctx, err = b.ForModule(context.Background(), "ghost")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mctx.RawConfig(), test.ShouldResemble, config.AttributeMap{})
	var empty struct {
		Addr string `json:"addr"`
	}
	test.That(t, mctx.DecodeConfig(&empty), test.ShouldBeNil)
	test.That(t, empty.Addr, test.ShouldEqual, "")
}

func TestContextBuilderDB(t *testing.T) {
	logger := golog.NewTestLogger(t)
	db := &fakeDB{}
	provider := &fakeDBProvider{handles: map[string]DB{"billing": db}, errFor: "broken"}
	b := NewContextBuilder(logger, nil, provider, nil)

	mctx, err := b.ForModule(context.Background(), "billing")
	test.That(t, err, test.ShouldBeNil)
	got, ok := mctx.DB()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Ping(context.Background()), test.ShouldBeNil)
	test.That(t, db.pings, test.ShouldEqual, 1)

	mctx, err = b.ForModule(context.Background(), "plain")
	test.That(t, err, test.ShouldBeNil)
	_, ok = mctx.DB()
	test.That(t, ok, test.ShouldBeFalse)

	_, err = b.ForModule(context.Background(), "broken")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `database handle for module "broken"`)
	test.That(t, err.Error(), test.ShouldContainSubstring, "connection refused")
}

func TestContextBuilderClients(t *testing.T) {
	logger := golog.NewTestLogger(t)
	b := NewContextBuilder(logger, nil, nil, nil)
	test.That(t, b.Clients(), test.ShouldNotBeNil)

	// every module sees the same hub
	mctxA, err := b.ForModule(context.Background(), "a")
	test.That(t, err, test.ShouldBeNil)
	mctxB, err := b.ForModule(context.Background(), "b")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, clienthub.RegisterGlobal(mctxA.Clients(), &fakeClient{id: 7}), test.ShouldBeNil)
	got, ok := clienthub.LookupGlobal[*fakeClient](mctxB.Clients())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.id, test.ShouldEqual, 7)

	hub := clienthub.New()
	b2 := NewContextBuilder(logger, nil, nil, hub)
	test.That(t, b2.Clients(), test.ShouldEqual, hub)
}
