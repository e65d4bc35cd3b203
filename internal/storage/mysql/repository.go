package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

const (
	insertAgentSQL = `INSERT INTO agents
    (id, owner, name, wallet_public_key, active, profile, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectAgentsByOwnerSQL = `SELECT profile, created_at FROM agents
    WHERE owner = ? ORDER BY created_at ASC, id ASC`
	selectAgentByIDSQL = `SELECT profile, created_at FROM agents WHERE id = ?`
	insertTokenSQL     = `INSERT INTO tokens
    (id, agent_id, wallet_address, name, symbol, description, twitter, telegram, website, amount,
     token_address, transaction_link, explorer_link, metadata_uri, signature, status, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Repository 基于 MySQL 保存 agent 与 token 部署记录。
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ agent.Repository  = (*Repository)(nil)
	_ token.RecordStore = (*Repository)(nil)
)

// NewRepository 建立连接并执行内置迁移。
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "mysql storage unavailable")
	}
	repo := &Repository{db: db, logger: logger.Named("storage.mysql")}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "mysql migrations failed")
	}
	return repo, nil
}

// Close 关闭连接池。
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
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
	_, err = r.db.ExecContext(ctx, insertAgentSQL,
		stored.ID, stored.Owner, stored.Name, stored.WalletPublicKey, stored.Active, profile, stored.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return agent.Agent{}, xerrors.New(xerrors.CodeConflict, "agent "+stored.ID+" already exists")
		}
		return agent.Agent{}, xerrors.Wrap(xerrors.CodePersistence, err, "insert agent")
	}
	return stored, nil
}

// FindByOwner 按创建时间升序返回 owner 的 agent。
func (r *Repository) FindByOwner(ctx context.Context, owner string) ([]agent.Agent, error) {
	rows, err := r.db.QueryContext(ctx, selectAgentsByOwnerSQL, owner)
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
	row := r.db.QueryRowContext(ctx, selectAgentByIDSQL, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Agent{}, agent.ErrAgentNotFound
	}
	return a, err
}

// SaveTokenRecord 实现 token.RecordStore。token 地址重复视为已保存。
func (r *Repository) SaveTokenRecord(ctx context.Context, rec token.Record) error {
	_, err := r.db.ExecContext(ctx, insertTokenSQL,
		rec.ID, rec.AgentID, rec.WalletAddress, rec.Name, rec.Symbol, rec.Description,
		rec.Twitter, rec.Telegram, rec.Website, rec.Amount,
		rec.TokenAddress, rec.TransactionLink, rec.ExplorerLink, rec.MetadataURI, rec.Signature,
		string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		if isDuplicateKey(err) {
			r.logger.Info("token record already stored", slog.String("token_address", rec.TokenAddress))
			return nil
		}
		return xerrors.Wrap(xerrors.CodePersistence, err, "insert token record")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (agent.Agent, error) {
	var (
		profile   []byte
		createdAt time.Time
	)
	if err := row.Scan(&profile, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
