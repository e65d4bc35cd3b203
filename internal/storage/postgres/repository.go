package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

const uniqueViolation = "23505"

const (
	insertAgentSQL = `INSERT INTO agents
    (id, owner, name, wallet_public_key, active, profile, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)`
	selectAgentsByOwnerSQL = `SELECT profile, created_at FROM agents
    WHERE owner = $1 ORDER BY created_at ASC, id ASC`
	selectAgentByIDSQL = `SELECT profile, created_at FROM agents WHERE id = $1`
	insertTokenSQL     = `INSERT INTO tokens
    (id, agent_id, wallet_address, name, symbol, description, twitter, telegram, website, amount,
     token_address, transaction_link, explorer_link, metadata_uri, signature, status, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
    ON CONFLICT (token_address) DO NOTHING`
)

// Config 描述连接池参数。
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository 基于 PostgreSQL 保存 agent 与 token 部署记录。
type Repository struct {
	db     querier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ agent.Repository  = (*Repository)(nil)
	_ token.RecordStore = (*Repository)(nil)
)

// NewRepository 建立连接池并执行内置迁移。
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "postgres DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse postgres DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping postgres")
	}

	repo := &Repository{db: pool, pool: pool, logger: logger.Named("storage.postgres")}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "postgres migrations failed")
	}
	repo.logger.Info("postgres connected")
	return repo, nil
}

// Close 关闭连接池。
func (r *Repository) Close() error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// Save 实现 agent.Repository，私钥不会写入 profile。
func (r *Repository) Save(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	stored := a.Clone()
	stored.WalletPrivateKey = ""
	stored.CreatedAt = stored.CreatedAt.UTC()

	profile, err := json.Marshal(stored)
	if err != nil {
		return agent.Agent{}, xerrors.Wrap(xerrors.CodePersistence, err, "encode agent profile")
	}
	if _, err := r.db.Exec(ctx, insertAgentSQL,
		stored.ID, stored.Owner, stored.Name, stored.WalletPublicKey, stored.Active, profile, stored.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return agent.Agent{}, xerrors.New(xerrors.CodeConflict, "agent "+stored.ID+" already exists")
		}
		return agent.Agent{}, xerrors.Wrap(xerrors.CodePersistence, err, "insert agent")
	}
	return stored, nil
}

// FindByOwner 按创建时间升序返回 owner 的 agent。
func (r *Repository) FindByOwner(ctx context.Context, owner string) ([]agent.Agent, error) {
	rows, err := r.db.Query(ctx, selectAgentsByOwnerSQL, owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "query agents by owner")
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "iterate agents")
	}
	return out, nil
}

// FindByID 返回指定 agent，不存在时返回 agent.ErrAgentNotFound。
func (r *Repository) FindByID(ctx context.Context, id string) (agent.Agent, error) {
	a, err := scanAgent(r.db.QueryRow(ctx, selectAgentByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Agent{}, agent.ErrAgentNotFound
	}
	return a, err
}

// SaveTokenRecord 实现 token.RecordStore。token 地址重复视为已保存。
func (r *Repository) SaveTokenRecord(ctx context.Context, rec token.Record) error {
	tag, err := r.db.Exec(ctx, insertTokenSQL,
		rec.ID, rec.AgentID, rec.WalletAddress, rec.Name, rec.Symbol, rec.Description,
		rec.Twitter, rec.Telegram, rec.Website, rec.Amount,
		rec.TokenAddress, rec.TransactionLink, rec.ExplorerLink, rec.MetadataURI, rec.Signature,
		string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "insert token record")
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("token record already stored", slog.String("token_address", rec.TokenAddress))
	}
	return nil
}

func scanAgent(row pgx.Row) (agent.Agent, error) {
	var (
		profile   []byte
		createdAt time.Time
	)
	if err := row.Scan(&profile, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agent.Agent{}, err
		}
		return agent.Agent{}, xerrors.Wrap(xerrors.CodePersistence, err, "scan agent")
	}
	var a agent.Agent
	if err := json.Unmarshal(profile, &a); err != nil {
		return agent.Agent{}, xerrors.Wrap(xerrors.CodePersistence, fmt.Errorf("decode agent profile: %w", err), "scan agent")
	}
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
