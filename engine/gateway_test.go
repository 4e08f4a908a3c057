package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "voucherkit/adapters/memory"
	"voucherkit/core"
)

type slowStore struct {
	*mem.Store
	release chan struct{}
}

func (s *slowStore) CreateRecord(ctx context.Context, rec core.RedemptionRecord) error {
	<-s.release
	return s.Store.CreateRecord(ctx, rec)
}

func TestGatewayFullQueueDoesNotDrop(t *testing.T) {
	store := &slowStore{Store: mem.New(), release: make(chan struct{})}
	gw := NewGateway(store, GatewayConfig{Workers: 1, QueueSize: 1}, zerolog.Nop())

	var mu sync.Mutex
	done := 0
	for i := 0; i < 10; i++ {
		gw.CreateRecord(core.RedemptionRecord{ID: string(rune('a' + i)), UserID: "u", VoucherID: "v", Time: time.Now()},
			func(_ core.RedemptionRecord, err error) {
				assert.NoError(t, err)
				mu.Lock()
				done++
				mu.Unlock()
			})
	}
	close(store.release)
	gw.Close()

	assert.Equal(t, 10, done)
	recs, _ := store.LoadRecords(context.Background())
	assert.Len(t, recs, 10)
}

func TestGatewayFlushWhileSubmitting(t *testing.T) {
	store := mem.New()
	gw := NewGateway(store, GatewayConfig{Workers: 2, QueueSize: 4}, zerolog.Nop())
	defer gw.Close()

	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				gw.Flush()
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				gw.CreateRecord(core.RedemptionRecord{ID: fmt.Sprintf("%d-%d", w, i), UserID: "u", VoucherID: "v", Time: time.Now()}, nil)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-flushed

	gw.Flush()
	recs, err := store.LoadRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 200)
}

func TestGatewayClosedRejectsWrites(t *testing.T) {
	gw := NewGateway(mem.New(), DefaultGatewayConfig(), zerolog.Nop())
	gw.Close()
	errc := make(chan error, 1)
	gw.SaveVoucher(core.NewVoucher("x"), func(err error) { errc <- err })
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrGatewayClosed)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestGatewayLoadsAsync(t *testing.T) {
	store := mem.New()
	require.NoError(t, store.CreateRecord(context.Background(), core.RedemptionRecord{ID: "r", UserID: "u", VoucherID: "v"}))
	gw := NewGateway(store, DefaultGatewayConfig(), zerolog.Nop())
	defer gw.Close()

	recs, err := await(context.Background(), func(done func([]core.RedemptionRecord, error)) {
		gw.LoadAllRecords(context.Background(), done)
	})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
