// Command plinkoctl audits and inspects provably-fair Plinko rounds offline.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/config"
	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

type CLI struct {
	Paytable string `help:"Paytable YAML file (built-in classic table when empty)" type:"path"`

	Verify     VerifyCmd     `cmd:"" help:"Recompute a round from a revealed seed secret."`
	Commitment CommitmentCmd `cmd:"" help:"Print the commitment hash of a seed secret."`
	Simulate   SimulateCmd   `cmd:"" help:"Drop many rounds and compare bin frequencies with the paytable."`
	Token      TokenCmd      `cmd:"" help:"Issue a player JWT for local testing."`
}

type VerifyCmd struct {
	SeedID     string `help:"Seed id, for the report only"`
	Secret     string `help:"Revealed seed secret" required:""`
	Commitment string `help:"Commitment hash published before the round" required:""`
	ClientSeed string `help:"Client seed supplied with the payment"`
	Nonce      int64  `help:"Round nonce" required:""`
	RoundID    string `help:"Round id" required:""`
	Bin        int    `help:"Bin the house reported" required:""`
	JSON       bool   `help:"Print the result as JSON"`
}

func (c *VerifyCmd) Run(resolver *services.Resolver) error {
	in := models.RoundInput{ClientSeed: c.ClientSeed, Nonce: c.Nonce, RoundID: c.RoundID}
	result, err := services.VerifyWithSecret(resolver, c.SeedID, c.Secret, c.Commitment, in, c.Bin)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("%sRound %s%s (nonce %d, client seed %q)\n", colorBold, c.RoundID, colorReset, c.Nonce, c.ClientSeed)
	fmt.Printf("  commitment: %s\n", mark(result.CommitmentOK))
	fmt.Printf("  digest:     %s\n", result.Digest)
	fmt.Printf("  bin:        claimed %d, computed %d (%sx)\n", result.ClaimedBin, result.ComputedBin, result.Multiplier)
	if !result.Valid {
		fmt.Printf("%s%sNOT VERIFIED%s\n", colorBold, colorRed, colorReset)
		os.Exit(2)
	}
	fmt.Printf("%s%sVERIFIED%s\n", colorBold, colorGreen, colorReset)
	return nil
}

type CommitmentCmd struct {
	Secret string `arg:"" help:"Seed secret"`
}

func (c *CommitmentCmd) Run() error {
	fmt.Println(models.CommitmentHash(c.Secret))
	return nil
}

type SimulateCmd struct {
	Rounds int    `help:"Number of rounds to drop" default:"100000"`
	Secret string `help:"Seed secret (random when empty)"`
	Bet    string `help:"Bet amount per round" default:"1"`
	Margin string `help:"House edge margin applied to winnings" default:"0.01"`
}

func (c *SimulateCmd) Run(resolver *services.Resolver) error {
	if c.Rounds <= 0 {
		return fmt.Errorf("rounds must be positive")
	}
	bet, err := decimal.NewFromString(c.Bet)
	if err != nil {
		return fmt.Errorf("invalid bet: %w", err)
	}
	margin, err := decimal.NewFromString(c.Margin)
	if err != nil {
		return fmt.Errorf("invalid margin: %w", err)
	}

	secret := c.Secret
	if secret == "" {
		if secret, err = models.GenerateSeedSecret(); err != nil {
			return err
		}
	}

	paytable := resolver.Paytable()
	counts := make([]int, len(paytable.Bins))
	paid := decimal.Zero

	start := time.Now()
	for n := 1; n <= c.Rounds; n++ {
		out, err := resolver.Resolve(secret, models.RoundInput{Nonce: int64(n), RoundID: fmt.Sprintf("sim-%d", n)})
		if err != nil {
			return err
		}
		counts[out.Bin]++
		paid = paid.Add(models.ComputeWinnings(bet, out.Multiplier, margin, models.DefaultMoneyPrecision))
	}

	total := decimal.NewFromInt(int64(c.Rounds))
	fmt.Printf("%sPaytable %s%s, %d rounds in %s\n", colorBold, paytable.Name, colorReset, c.Rounds, time.Since(start).Round(time.Millisecond))
	for i, b := range paytable.Bins {
		observed := decimal.NewFromInt(int64(counts[i])).DivRound(total, 4)
		fmt.Printf("  bin %d  %6sx  weight %-6s observed %-6s\n", i, b.Multiplier, b.Weight, observed)
	}

	wagered := bet.Mul(total)
	fmt.Printf("  expected RTP: %s%s%s\n", colorYellow, paytable.RTP(), colorReset)
	fmt.Printf("  realised RTP: %s%s%s (after %s margin)\n", colorYellow, paid.DivRound(wagered, 4), colorReset, margin)
	return nil
}

type TokenCmd struct {
	User   string        `arg:"" help:"Player id to embed"`
	Secret string        `help:"JWT signing secret" env:"JWT_SECRET" required:""`
	TTL    time.Duration `help:"Token lifetime" default:"24h"`
}

func (c *TokenCmd) Run() error {
	token, err := services.NewJWTService(&config.Config{JWTSecret: c.Secret}).GenerateTokenWithTTL(c.User, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mark(ok bool) string {
	if ok {
		return colorGreen + "ok" + colorReset
	}
	return colorRed + "mismatch" + colorReset
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("plinkoctl"),
		kong.Description("Audit tooling for provably-fair Plinko rounds"),
		kong.UsageOnError())

	paytableCfg, err := config.LoadPaytable(cli.Paytable)
	ctx.FatalIfErrorf(err)
	paytable, err := services.PaytableFromConfig(paytableCfg)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(services.NewResolver(paytable)))
}
