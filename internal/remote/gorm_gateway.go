package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN builds the go-sql-driver DSN. A host of the form /cloudsql/... or any
// absolute path is dialled as a unix socket.
func (c DBConfig) DSN() string {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", c.Host, c.Port)
	if strings.HasPrefix(c.Host, "/") {
		network = "unix"
		address = c.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC",
		c.User, c.Password, network, address, c.Name)
}

// GormGateway implements Gateway over MySQL with map-based gorm queries.
type GormGateway struct {
	db *gorm.DB
}

// NewGormGatewayWith wraps an existing connection.
func NewGormGatewayWith(db *gorm.DB) *GormGateway {
	return &GormGateway{db: db}
}

// Open prepares the remote database without dialling it. Connections are
// made on first use, so an unreachable server shows up as per-call errors
// that the reconcile passes retry, and the register keeps recording offline.
func Open(cfg DBConfig, log logrus.FieldLogger) (*GormGateway, error) {
	gcfg := &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		DisableAutomaticPing: true,
	}
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       cfg.DSN(),
		SkipInitializeWithVersion: true,
	}), gcfg)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	return &GormGateway{db: db}, nil
}

// Ping reports whether the server answers within ctx.
func (g *GormGateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormGateway) IsConfigured() bool { return g != nil && g.db != nil }

func (g *GormGateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormGateway) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var out []map[string]any
	q := g.db.WithContext(ctx).Table(table)
	if len(f) > 0 {
		q = q.Where(map[string]any(f))
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	rows := make([]Row, len(out))
	for i, m := range out {
		rows[i] = Row(m)
	}
	return rows, nil
}

func (g *GormGateway) Insert(ctx context.Context, table string, rows ...Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	batch := make([]map[string]any, len(rows))
	for i, r := range rows {
		batch[i] = map[string]any(r)
	}
	if err := g.db.WithContext(ctx).Table(table).Create(batch).Error; err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (g *GormGateway) Update(ctx context.Context, table string, f Filter, patch Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(f) == 0 {
		return ErrUnfilteredWrite
	}
	err := g.db.WithContext(ctx).Table(table).Where(map[string]any(f)).Updates(map[string]any(patch)).Error
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

func (g *GormGateway) Delete(ctx context.Context, table string, f Filter) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(f) == 0 {
		return ErrUnfilteredWrite
	}
	sql, args := deleteSQL(table, f)
	if err := g.db.WithContext(ctx).Exec(sql, args...).Error; err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// deleteSQL renders a DELETE with columns in sorted order. gorm expands a
// slice argument bound to "IN ?".
func deleteSQL(table string, f Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM `")
	b.WriteString(table)
	b.WriteString("` WHERE ")
	args := make([]any, 0, len(f))
	for i, col := range sortedKeys(f) {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("`" + col + "`")
		if isList(f[col]) {
			b.WriteString(" IN ?")
		} else {
			b.WriteString(" = ?")
		}
		args = append(args, f[col])
	}
	return b.String(), args
}

func isList(v any) bool {
	switch v.(type) {
	case []string, []any, []int64, []int:
		return true
	}
	return false
}
