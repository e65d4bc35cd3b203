package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

type fakeRow struct {
	profile []byte
	created time.Time
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = r.profile
	*dest[1].(*time.Time) = r.created
	return nil
}

type fakeRows struct {
	rows []fakeRow
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return r.rows[r.idx-1].Scan(dest...) }

type fakeQuerier struct {
	execTag  string
	execErr  error
	execSQL  []string
	execArgs [][]any
	rows     []fakeRow
	row      fakeRow
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.execTag), nil
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{rows: f.rows}, nil
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

func newTestRepository(q querier) *Repository {
	return &Repository{db: q, logger: logger.Named("storage.postgres")}
}

func profileRow(t *testing.T, a agent.Agent) fakeRow {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return fakeRow{profile: data, created: a.CreatedAt}
}

func TestSaveAgentStripsPrivateKey(t *testing.T) {
	q := &fakeQuerier{execTag: "INSERT 0 1"}
	repo := newTestRepository(q)

	a := agent.Agent{ID: "0b6a4b2e-8a53-4f3b-9a53-2f7f8a1b9c10", Owner: "W1", Name: "Nova", WalletPrivateKey: "secret", CreatedAt: time.Now()}
	if _, err := repo.Save(context.Background(), a); err != nil {
		t.Fatalf("save: %v", err)
	}
	profile := q.execArgs[0][5].([]byte)
	var decoded map[string]any
	if err := json.Unmarshal(profile, &decoded); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	for key := range decoded {
		if key == "walletPrivateKey" {
			t.Fatalf("private key leaked into profile: %s", profile)
		}
	}
}

func TestSaveAgentErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code xerrors.Code
	}{
		{name: "duplicate", err: &pgconn.PgError{Code: uniqueViolation}, code: xerrors.CodeConflict},
		{name: "other", err: errors.New("connection refused"), code: xerrors.CodePersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newTestRepository(&fakeQuerier{execErr: tc.err})
			_, err := repo.Save(context.Background(), agent.Agent{ID: "x", CreatedAt: time.Now()})
			if got := xerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
		})
	}
}

func TestFindAgents(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first := agent.Agent{ID: "a-1", Owner: "W1", CreatedAt: base}
	second := agent.Agent{ID: "a-2", Owner: "W1", CreatedAt: base.Add(time.Second)}

	q := &fakeQuerier{rows: []fakeRow{profileRow(t, first), profileRow(t, second)}, row: profileRow(t, second)}
	repo := newTestRepository(q)

	list, err := repo.FindByOwner(context.Background(), "W1")
	if err != nil {
		t.Fatalf("find by owner: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a-1" || list[1].ID != "a-2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	got, err := repo.FindByID(context.Background(), "a-2")
	if err != nil || got.ID != "a-2" {
		t.Fatalf("find by id: %+v %v", got, err)
	}

	q.row = fakeRow{err: pgx.ErrNoRows}
	if _, err := repo.FindByID(context.Background(), "missing"); !xerrors.Is(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveTokenRecordIgnoresDuplicateAddress(t *testing.T) {
	q := &fakeQuerier{execTag: "INSERT 0 0"}
	repo := newTestRepository(q)
	rec := token.Record{ID: token.NewRecordID(time.Now()), TokenAddress: "Mint111", Status: token.StatusConfirmed}
	if err := repo.SaveTokenRecord(context.Background(), rec); err != nil {
		t.Fatalf("duplicate should be accepted: %v", err)
	}

	q.execErr = errors.New("timeout")
	if err := repo.SaveTokenRecord(context.Background(), rec); xerrors.CodeOf(err) != xerrors.CodePersistence {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestLoadMigrationFiles(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected files: %+v", files)
	}
}
