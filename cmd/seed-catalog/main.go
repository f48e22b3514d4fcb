package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/novivan/SD-big-HW-3/db"
	"github.com/novivan/SD-big-HW-3/internal/domain/account"
	"github.com/novivan/SD-big-HW-3/internal/domain/product"
	"github.com/novivan/SD-big-HW-3/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		goodsFile   string
		accounts    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&goodsFile, "goods-file", "", "path to goods JSON file; the embedded catalog when empty")
	flag.StringVar(&accounts, "accounts", "", "demo accounts to fund, as userID=amount pairs separated by commas")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, goodsFile, accounts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, goodsFile, accounts string) error {
	funding, err := parseAccounts(accounts)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedGoods(ctx, postgres.NewGoodsRepository(pool), goodsFile); err != nil {
		return errors.Wrap(err, "seed goods")
	}

	if err := seedAccounts(ctx, account.NewService(postgres.NewAccountRepository(pool)), funding); err != nil {
		return errors.Wrap(err, "seed accounts")
	}

	return nil
}

func seedGoods(ctx context.Context, repo *postgres.GoodsRepository, goodsFile string) error {
	data := db.Goods
	if goodsFile != "" {
		slog.Info("reading goods file", slog.String("path", goodsFile))

		var err error
		if data, err = os.ReadFile(goodsFile); err != nil {
			return errors.Wrap(err, "read goods file")
		}
	}

	goods, err := product.ParseCatalog(data)
	if err != nil {
		return errors.Wrap(err, "parse goods JSON")
	}

	slog.Info("upserting goods", slog.Int("count", len(goods)))

	for _, g := range goods {
		if err := repo.Upsert(ctx, g); err != nil {
			return errors.Wrapf(err, "upsert good %s", g.ID)
		}

		slog.Info("upserted good", slog.String("id", g.ID), slog.String("name", g.Name))
	}

	return nil
}

type funding struct {
	userID int64
	amount decimal.Decimal
}

func parseAccounts(s string) ([]funding, error) {
	if s == "" {
		return nil, nil
	}
	var out []funding
	for _, pair := range strings.Split(s, ",") {
		user, amount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, errors.Errorf("account %q: want userID=amount", pair)
		}
		id, err := strconv.ParseInt(user, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "account %q: user id", pair)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, errors.Wrapf(err, "account %q: amount", pair)
		}
		out = append(out, funding{userID: id, amount: d})
	}
	return out, nil
}

// seedAccounts creates missing accounts and deposits the amount into each,
// so running the seed twice funds an account twice.
func seedAccounts(ctx context.Context, svc *account.Service, funds []funding) error {
	for _, f := range funds {
		if _, err := svc.CreateAccount(ctx, f.userID); err != nil && !errors.Is(err, account.ErrAlreadyExists) {
			return errors.Wrapf(err, "create account %d", f.userID)
		}
		if f.amount.IsPositive() {
			a, err := svc.DepositFunds(ctx, f.userID, f.amount)
			if err != nil {
				return errors.Wrapf(err, "fund account %d", f.userID)
			}
			slog.Info("funded account", slog.Int64("user_id", f.userID), slog.String("balance", a.Balance.String()))
		}
	}

	return nil
}
