package postgres

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

// ProjectStore implements storage.ProjectStore using PostgreSQL.
type ProjectStore struct {
	pool *Pool
}

// NewProjectStore creates a new ProjectStore.
func NewProjectStore(pool *Pool) *ProjectStore {
	return &ProjectStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProjectStore = (*ProjectStore)(nil)

const projectColumns = `
	id::text, name, credit_type, verified_at, minted_quantity::text,
	contract_address, documents_hash, abi, created_at, updated_at
`

// Insert adds a new project. Returns ErrDuplicateKey if id or contract_address exists.
func (s *ProjectStore) Insert(ctx context.Context, p *domain.Project) (err error) {
	start := time.Now()
	defer func() { observe("insert_project", start, err) }()

	if p == nil || domain.IsZero(p.ContractAddress) || !p.CreditType.IsValid() {
		return storage.ErrInvalidInput
	}
	id := uuid.New()
	if p.ID != "" {
		if id, err = uuid.Parse(p.ID); err != nil {
			return storage.ErrInvalidInput
		}
	}

	var verifiedAt *time.Time
	if !p.VerifiedAt.IsZero() {
		verifiedAt = &p.VerifiedAt
	}
	var abi []byte
	if len(p.ABI) > 0 {
		abi = p.ABI
	}

	query := `
		INSERT INTO projects (
			id, name, credit_type, verified_at, minted_quantity,
			contract_address, documents_hash, abi
		) VALUES ($1::text::uuid, $2, $3, $4, $5::text::numeric, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = s.pool.QueryRow(ctx, query,
		id.String(),
		p.Name,
		string(p.CreditType),
		verifiedAt,
		p.MintedQuantity.String(),
		p.Contract(),
		p.DocumentsHash,
		abi,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return mapError("insert project", err)
	}
	p.ID = id.String()
	return nil
}

// GetByID retrieves a project by its ID. Returns ErrNotFound if not exists.
func (s *ProjectStore) GetByID(ctx context.Context, id string) (p *domain.Project, err error) {
	start := time.Now()
	defer func() { observe("get_project", start, err) }()

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, storage.ErrNotFound
	}

	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1::text::uuid`

	p, err = scanProject(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError("get project by id", err)
	}
	return p, nil
}

// List retrieves all projects ordered by created_at ASC.
func (s *ProjectStore) List(ctx context.Context) (projects []*domain.Project, err error) {
	start := time.Now()
	defer func() { observe("list_projects", start, err) }()

	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list projects", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, mapError("scan project", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate projects", err)
	}
	return projects, nil
}

// scanProject scans a single row into a Project.
func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p          domain.Project
		creditType string
		verifiedAt *time.Time
		minted     string
		contract   string
		abi        []byte
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&creditType,
		&verifiedAt,
		&minted,
		&contract,
		&p.DocumentsHash,
		&abi,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.CreditType = domain.CreditType(creditType)
	if verifiedAt != nil {
		p.VerifiedAt = verifiedAt.UTC()
	}
	if p.MintedQuantity, err = decimal.NewFromString(minted); err != nil {
		return nil, err
	}
	p.ContractAddress = common.HexToAddress(contract)
	p.ABI = abi

	return &p, nil
}
