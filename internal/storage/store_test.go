package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discquiz/internal/quiz"
	logx "discquiz/pkg/logx"
)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"file", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "discquiz.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"badger", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "badger", Path: ":memory:"}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
		{"postgres", func(t *testing.T) Store {
			dsn := os.Getenv("DISCQUIZ_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("DISCQUIZ_TEST_POSTGRES_DSN not set")
			}
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
}

// chatBase keeps rows from different runs apart on shared databases.
func chatBase() int64 { return time.Now().UnixNano() % 1_000_000_000 * 1000 }

func schedulesOf(t *testing.T, st Store, chatID int64) []quiz.Schedule {
	t.Helper()
	all, err := st.ListSchedules(context.Background())
	require.NoError(t, err)
	var out []quiz.Schedule
	for _, s := range all {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func TestStoreConformance(t *testing.T) {
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()
			ctx := context.Background()
			base := chatBase()

			t.Run("schedules", func(t *testing.T) {
				chat := base + 1
				created, err := st.AddSchedule(ctx, quiz.Schedule{ChatID: chat, ThreadID: 9, At: quiz.MustTime("10:35")})
				require.NoError(t, err)
				assert.True(t, created)

				created, err = st.AddSchedule(ctx, quiz.Schedule{ChatID: chat, At: quiz.MustTime("10:35")})
				require.NoError(t, err)
				assert.False(t, created, "duplicate (chat, time) must not be created")

				_, err = st.AddSchedule(ctx, quiz.Schedule{ChatID: chat, At: quiz.MustTime("08:00")})
				require.NoError(t, err)

				got := schedulesOf(t, st, chat)
				require.Len(t, got, 2)
				assert.Equal(t, quiz.MustTime("08:00"), got[0].At)
				assert.Equal(t, quiz.MustTime("10:35"), got[1].At)
				assert.Equal(t, 9, got[1].ThreadID)

				removed, err := st.RemoveSchedule(ctx, chat, quiz.MustTime("10:35"))
				require.NoError(t, err)
				assert.True(t, removed)
				removed, err = st.RemoveSchedule(ctx, chat, quiz.MustTime("10:35"))
				require.NoError(t, err)
				assert.False(t, removed)
				assert.Len(t, schedulesOf(t, st, chat), 1)
			})

			t.Run("pending", func(t *testing.T) {
				chat := base + 2
				sent := time.UnixMilli(time.Now().UnixMilli())
				p1 := quiz.PendingQuiz{ChatID: chat, QuestionID: 11, PollID: "poll-a", MessageID: 5, CorrectOption: 1, SentAt: sent}
				require.NoError(t, st.PutPending(ctx, p1))

				got, ok, err := st.PendingByPoll(ctx, "poll-a")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, int64(11), got.QuestionID)
				assert.True(t, got.SentAt.Equal(sent))

				p2 := p1
				p2.PollID, p2.QuestionID = "poll-b", 12
				require.NoError(t, st.PutPending(ctx, p2))

				_, ok, err = st.PendingByPoll(ctx, "poll-a")
				require.NoError(t, err)
				assert.False(t, ok, "superseded poll must not resolve")

				// a stale delete must not remove the newer quiz
				require.NoError(t, st.DeletePending(ctx, chat, "poll-a"))
				got, ok, err = st.GetPending(ctx, chat)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "poll-b", got.PollID)

				require.NoError(t, st.DeletePending(ctx, chat, "poll-b"))
				_, ok, err = st.GetPending(ctx, chat)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("marks", func(t *testing.T) {
				key := "test.mark." + time.Now().Format("150405.000000")
				_, ok, err := st.GetMark(ctx, key)
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, st.PutMark(ctx, key, "2024-01-01 10:35"))
				require.NoError(t, st.PutMark(ctx, key, "2024-01-01 10:36"))
				v, ok, err := st.GetMark(ctx, key)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "2024-01-01 10:36", v)
			})

			t.Run("audit", func(t *testing.T) {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: base, Action: "schedule.add", Target: "10:35"}))
			})
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEvery = 3 // exercise compaction

	for _, at := range []string{"07:00", "08:00", "09:00", "10:00"} {
		_, err := st.AddSchedule(ctx, quiz.Schedule{ChatID: 42, At: quiz.MustTime(at)})
		require.NoError(t, err)
	}
	_, err = st.RemoveSchedule(ctx, 42, quiz.MustTime("08:00"))
	require.NoError(t, err)
	require.NoError(t, st.PutMark(ctx, "dispatch.watermark", "2024-01-01 10:35"))

	// simulate a crash: no Close, so the journal tail is not compacted
	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.ListSchedules(ctx)
	require.NoError(t, err)
	var times []string
	for _, s := range list {
		times = append(times, s.At.String())
	}
	assert.Equal(t, []string{"07:00", "09:00", "10:00"}, times)

	v, ok, err := reopened.GetMark(ctx, "dispatch.watermark")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01 10:35", v)
	require.NoError(t, st.Close())
}

func TestFileStoreSkipsTornJournalTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journal := filepath.Join(dir, "state.journal.jsonl")
	content := `{"op":"schedule.add","schedule":{"chat_id":1,"at":"09:00"}}` + "\n" + `{"op":"schedule.add","sche`
	require.NoError(t, os.WriteFile(journal, []byte(content), 0o600))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	list, err := st.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].ChatID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.True(t, KnownDriver("SQLite"))
	assert.False(t, KnownDriver("mongo"))
}
