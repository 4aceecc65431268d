package audit_test

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/audit"
	wardentesting "github.com/aristath/warden/internal/testing"
)

func newTestLog(t *testing.T) *audit.Log {
	t.Helper()
	db := wardentesting.NewTestLedgerDB(t, "audit")
	l, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestNewLog_RejectsNonLedgerProfile(t *testing.T) {
	db := wardentesting.NewTestDB(t, "audit_wrong_profile")
	_, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger")
}

func TestAppend_SequenceIsGapFreeAndMonotonic(t *testing.T) {
	l := newTestLog(t)

	for i := 1; i <= 10; i++ {
		seq, err := l.Append(audit.Record{
			Kind:  audit.KindSystem,
			Actor: "orchestrator",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	assert.Equal(t, int64(10), l.FlushedThrough())

	records, err := l.Query(audit.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
}

func TestAppend_StampsConstitutionVersionOnClauseBackedRecords(t *testing.T) {
	l := newTestLog(t)

	seq, err := l.Append(audit.Record{
		Kind:       audit.KindRuleEvaluation,
		Actor:      "rules",
		ClauseRefs: []string{"§2.GenAcc.Delta"},
		SubjectIDs: []string{"acct-1"},
		Payload:    map[string]interface{}{"verdict": "APPROVED"},
	})
	require.NoError(t, err)

	records, err := l.Query(audit.Filter{SinceSeq: seq - 1})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "test-1", rec.ConstitutionVersion)
	assert.Equal(t, []string{"§2.GenAcc.Delta"}, rec.ClauseRefs)
	assert.Equal(t, []string{"acct-1"}, rec.SubjectIDs)
	assert.Equal(t, "APPROVED", rec.Payload["verdict"])
	assert.False(t, rec.Timestamp.IsZero())
}

func TestAppend_NoClauseRefsLeavesVersionEmpty(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(audit.Record{Kind: audit.KindSystem, Actor: "orchestrator"})
	require.NoError(t, err)

	records, err := l.Query(audit.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ConstitutionVersion)
}

func TestQuery_Filters(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(audit.Record{
			Kind:       audit.KindOrderEvent,
			Actor:      "execution",
			SubjectIDs: []string{fmt.Sprintf("ord-%d", i)},
		})
		require.NoError(t, err)
	}
	_, err := l.Append(audit.Record{
		Kind:       audit.KindStateChange,
		Actor:      "accounts",
		SubjectIDs: []string{"acct-1"},
	})
	require.NoError(t, err)

	byKind, err := l.Query(audit.Filter{Kinds: []audit.Kind{audit.KindStateChange}})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "accounts", byKind[0].Actor)

	bySubject, err := l.Query(audit.Filter{SubjectID: "ord-3"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, int64(4), bySubject[0].Seq)

	since, err := l.Query(audit.Filter{SinceSeq: 4})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(5), since[0].Seq)

	limited, err := l.Query(audit.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(1), limited[0].Seq)
	assert.Equal(t, int64(2), limited[1].Seq)
}

func TestNewLog_ResumesSequenceAcrossReopen(t *testing.T) {
	db := wardentesting.NewTestLedgerDB(t, "audit_reopen")

	l1, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l1.Append(audit.Record{Kind: audit.KindSystem, Actor: "orchestrator"})
		require.NoError(t, err)
	}

	// A second log over the same database continues after the last record.
	l2, err := audit.NewLog(db, "test-1", zerolog.Nop())
	require.NoError(t, err)
	seq, err := l2.Append(audit.Record{Kind: audit.KindSystem, Actor: "orchestrator"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, int64(4), l2.FlushedThrough())
}
