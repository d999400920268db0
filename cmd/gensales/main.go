package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stallpos/internal/app"
	"stallpos/internal/config"
	"stallpos/internal/model"
	"stallpos/internal/recorder"
)

func main() {
	var (
		dataDir string
		branch  string
		sales   int
		taps    int
		span    time.Duration
		seed    int64
	)
	flag.StringVar(&dataDir, "data-dir", "./data", "register data directory")
	flag.StringVar(&branch, "branch", "demo", "branch id")
	flag.IntVar(&sales, "sales", 50, "number of sales to record")
	flag.IntVar(&taps, "taps", 120, "number of visitor taps to record")
	flag.DurationVar(&span, "span", 3*time.Hour, "spread records over this much time before now")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cfg, err := config.Load("", func(c *config.Config) {
		c.DataDir = dataDir
		c.BranchID = branch
		c.Remote.Mode = "off"
	})
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := generate(cfg, sales, taps, span, rand.New(rand.NewSource(seed))); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

var sampleMenus = []struct {
	id, name string
	price    int64
	stock    int64
}{
	{"yakisoba", "Yakisoba", 500, 400},
	{"takoyaki", "Takoyaki", 600, 300},
	{"ramune", "Ramune", 200, 0},
	{"kakigori", "Kakigori", 350, 250},
}

var groups = []string{"adults", "kids", "seniors"}

func generate(cfg config.Config, sales, taps int, span time.Duration, rng *rand.Rand) error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	a, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	menus, err := a.Recorder.Menus()
	if err != nil {
		return err
	}
	if len(menus) == 0 {
		for _, m := range sampleMenus {
			menus = append(menus, model.Menu{
				ID:            m.id,
				BranchID:      cfg.BranchID,
				Name:          m.name,
				Price:         decimal.NewFromInt(m.price),
				TrackStock:    m.stock > 0,
				StockQuantity: m.stock,
				UpdatedAt:     time.Now().UTC(),
			})
		}
		if err := a.Recorder.ReplaceMenus(menus); err != nil {
			return err
		}
	}

	// Records are stamped across the span, oldest first.
	start := time.Now().UTC().Add(-span)
	total := sales + taps
	step := span / time.Duration(max(total, 1))
	at := start
	rec := recorder.New(a.Store, recorder.Options{
		BranchID: cfg.BranchID,
		Journal:  a.Journal,
		Logger:   logger,
		Now:      func() time.Time { return at },
	})

	var recorded, soldOut int
	for i := 0; i < total; i++ {
		at = start.Add(time.Duration(i) * step)
		if rng.Intn(total) < sales {
			m := menus[rng.Intn(len(menus))]
			_, err := rec.RecordSale(context.Background(), recorder.SaleInput{
				Items:         []recorder.SaleLine{{MenuID: m.ID, Quantity: int64(1 + rng.Intn(3))}},
				PaymentMethod: []string{"cash", "card", "qr"}[rng.Intn(3)],
			})
			if errors.Is(err, recorder.ErrInsufficientStock) {
				soldOut++
				continue
			}
			if err != nil {
				return fmt.Errorf("sale %d: %w", i, err)
			}
		} else {
			_, err := rec.RecordVisitors(context.Background(), recorder.VisitorInput{
				Group: groups[rng.Intn(len(groups))],
				Count: int64(1 + rng.Intn(4)),
			})
			if err != nil {
				return fmt.Errorf("tap %d: %w", i, err)
			}
		}
		recorded++
	}

	log.Printf("recorded %d records into %s (%d sales refused for stock)", recorded, cfg.StoreDir(), soldOut)
	return nil
}
