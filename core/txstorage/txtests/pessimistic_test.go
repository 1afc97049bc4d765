package txtests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/photoatomic/darc-go/core/txstorage"
	"github.com/photoatomic/darc-go/core/txstorage/txtests/domain"
	"github.com/photoatomic/darc-go/ports/eventlog"
)

// Prepared transactions survive a crash: a fresh activation over the same
// log recovers them from the pending stream, materialized on top of the
// committed state.
func Test_Pessimistic_recoversPreparedAfterCrash(t *testing.T) {
	var (
		elog = eventlog.NewMemoryLog()
		f    = newFactory(t, elog, txstorage.StrategyPessimistic)
		p    = txstorage.Participant{Type: "account", Key: "alice"}
		s    = f.Create("balance", p, domain.NewAccount)
	)

	res, err := s.Load(t.Context())
	require.NoError(t, err)

	acc := res.State.(*domain.Account)
	require.NoError(t, acc.Deposit(100))
	etag := commitTx(t, s, res.ETag, 1, acc)

	require.NoError(t, acc.Deposit(20))
	etag = prepareTx(t, s, etag, "txn-2", 2, acc)
	require.NoError(t, acc.Withdraw(50))
	prepareTx(t, s, etag, "txn-3", 3, acc)

	// crash: a new activation over the same log
	s2 := f.Create("balance", p, domain.NewAccount)
	res2, err := s2.Load(t.Context())
	require.NoError(t, err)

	require.Equal(t, 100, res2.State.(*domain.Account).Balance)
	require.Len(t, res2.Pending, 2)

	require.Equal(t, "txn-2", res2.Pending[0].TransactionID)
	require.EqualValues(t, 2, res2.Pending[0].SequenceID)
	require.Equal(t, 120, res2.Pending[0].State.(*domain.Account).Balance)

	// each group is materialized on a fresh copy of the committed state
	require.Equal(t, "txn-3", res2.Pending[1].TransactionID)
	require.EqualValues(t, 3, res2.Pending[1].SequenceID)
	require.Equal(t, 50, res2.Pending[1].State.(*domain.Account).Balance)

	// the recovered work can be committed by the new activation
	_, err = s2.Store(t.Context(), txstorage.StoreRequest{ETag: res2.ETag, CommitUpTo: ptr(3)})
	require.NoError(t, err)

	loaded, loadRes := reloadAccount(t, f, p)
	require.Equal(t, 70, loaded.Balance)
	require.Empty(t, loadRes.Pending)
}

func Test_Pessimistic_commitStripsTransactionTags(t *testing.T) {
	var (
		elog = eventlog.NewMemoryLog()
		f    = newFactory(t, elog, txstorage.StrategyPessimistic)
		p    = txstorage.Participant{Type: "account", Key: "alice"}
		s    = f.Create("balance", p, domain.NewAccount)
	)

	res, err := s.Load(t.Context())
	require.NoError(t, err)

	acc := res.State.(*domain.Account)
	require.NoError(t, acc.Deposit(10))
	etag := prepareTx(t, s, res.ETag, "txn-1", 1, acc)

	// prepared entries carry the transaction tags
	pending, err := elog.ReadForward(t.Context(), "account-alice-balance-pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "txn-1", pending[0].Meta["txn_id"])
	require.Equal(t, "1", pending[0].Meta["seq_id"])
	require.Equal(t, "account-alice", pending[0].Meta["participant"])

	_, err = s.Store(t.Context(), txstorage.StoreRequest{ETag: etag, CommitUpTo: ptr(1)})
	require.NoError(t, err)

	// committed entries do not
	main, err := elog.ReadForward(t.Context(), "account-alice-balance")
	require.NoError(t, err)
	require.Len(t, main, 1)
	require.Nil(t, main[0].Meta)
	require.NotEqual(t, pending[0].ID, main[0].ID)

	// and the pending stream is gone
	_, err = elog.ReadForward(t.Context(), "account-alice-balance-pending")
	require.ErrorIs(t, err, eventlog.ErrStreamNotFound)
}

func Test_Pessimistic_abortDiscardsPendingStream(t *testing.T) {
	var (
		elog = eventlog.NewMemoryLog()
		f    = newFactory(t, elog, txstorage.StrategyPessimistic)
		p    = txstorage.Participant{Type: "account", Key: "alice"}
		s    = f.Create("balance", p, domain.NewAccount)
	)

	res, err := s.Load(t.Context())
	require.NoError(t, err)

	acc := res.State.(*domain.Account)
	require.NoError(t, acc.Deposit(100))
	etag := commitTx(t, s, res.ETag, 1, acc)

	require.NoError(t, acc.Deposit(25))
	etag = prepareTx(t, s, etag, "txn-2", 2, acc)

	_, err = s.Store(t.Context(), txstorage.StoreRequest{ETag: etag, AbortAfter: ptr(1)})
	require.NoError(t, err)

	_, err = elog.ReadForward(t.Context(), "account-alice-balance-pending")
	require.ErrorIs(t, err, eventlog.ErrStreamNotFound)

	loaded, loadRes := reloadAccount(t, f, p)
	require.Equal(t, 100, loaded.Balance)
	require.Empty(t, loadRes.Pending)
}

// Aborting on a fresh participant with nothing prepared is a no-op.
func Test_Pessimistic_abortWithoutPendingStream(t *testing.T) {
	var (
		elog = eventlog.NewMemoryLog()
		f    = newFactory(t, elog, txstorage.StrategyPessimistic)
		s    = f.Create("balance", txstorage.Participant{Type: "account", Key: "alice"}, domain.NewAccount)
	)

	res, err := s.Load(t.Context())
	require.NoError(t, err)

	_, err = s.Store(t.Context(), txstorage.StoreRequest{ETag: res.ETag, AbortAfter: ptr(0)})
	require.NoError(t, err)
}

// Concurrent transactions of the same participant interleave freely in the
// shared pending stream and commit in sequence order.
func Test_Pessimistic_interleavedPrepares(t *testing.T) {
	var (
		elog = eventlog.NewMemoryLog()
		f    = newFactory(t, elog, txstorage.StrategyPessimistic)
		p    = txstorage.Participant{Type: "account", Key: "alice"}
		s    = f.Create("balance", p, domain.NewAccount)
	)

	res, err := s.Load(t.Context())
	require.NoError(t, err)

	acc := res.State.(*domain.Account)
	etag := res.ETag
	require.NoError(t, acc.Deposit(40))
	etag = prepareTx(t, s, etag, "txn-1", 1, acc)
	require.NoError(t, acc.Deposit(60))
	etag = prepareTx(t, s, etag, "txn-2", 2, acc)
	require.NoError(t, acc.Withdraw(30))
	etag = prepareTx(t, s, etag, "txn-3", 3, acc)

	_, err = s.Store(t.Context(), txstorage.StoreRequest{ETag: etag, CommitUpTo: ptr(3)})
	require.NoError(t, err)

	loaded, loadRes := reloadAccount(t, f, p)
	require.Equal(t, 70, loaded.Balance)
	require.Equal(t, 3, loaded.Transactions)
	require.EqualValues(t, 3, loadRes.SequenceID)
}
