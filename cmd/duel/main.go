package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/fairgame-ops/highcard/game"
	"github.com/fairgame-ops/highcard/history"
	"github.com/fairgame-ops/highcard/session"
	"github.com/fairgame-ops/highcard/settle"
)

type config struct {
	RelayURL    string `env:"RELAY_URL" envDefault:"ws://localhost:3001/ws"`
	LedgerURL   string `env:"LEDGER_URL"`
	HistoryPath string `env:"HISTORY_PATH" envDefault:"duel-history.db"`
}

func main() {
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse configuration", "err", err)
		os.Exit(1)
	}

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("High", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("Card", pterm.FgDarkGray.ToStyle()),
	).Render()

	self, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Your address").Show()
	opponent, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Opponent address").Show()
	sessionInput, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Session id").Show()
	sessionID, err := strconv.ParseUint(sessionInput, 10, 64)
	if err != nil {
		pterm.Error.Printfln("invalid session id %q", sessionInput)
		os.Exit(1)
	}
	firstPlayer, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Did matchmaking assign you as player one?").Show()

	log, err := history.Open(cfg.HistoryPath)
	if err != nil {
		pterm.Error.Printfln("open history: %v", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine, err := game.NewMachine(session.New(self, logger), log, game.Config{
		RelayURL:    cfg.RelayURL,
		SessionID:   sessionID,
		Self:        self,
		Opponent:    opponent,
		FirstPlayer: firstPlayer,
		OnTransition: func(_, next game.State) {
			pterm.Debug.Printfln("session state: %s", next)
		},
		Log: logger,
	})
	if err != nil {
		pterm.Error.Printfln("set up session: %v", err)
		os.Exit(1)
	}

	pterm.Info.Printfln("Joining session %d against %s", sessionID, opponent)
	if err := machine.Start(ctx); err != nil {
		pterm.Error.Printfln("connect to relay: %v", err)
		os.Exit(1)
	}

	for {
		var summary game.Summary
		select {
		case summary = <-machine.Results():
		case <-ctx.Done():
			machine.Quit()
			return
		}

		renderSummary(summary, self, opponent)
		if summary.State != game.StateFinished {
			break
		}

		again, _ := pterm.DefaultInteractiveConfirm.WithDefaultText("Play again?").Show()
		if !again {
			break
		}
		machine.PlayAgain()
	}
	machine.Quit()

	if cfg.LedgerURL == "" {
		pending, err := log.Pending()
		if err == nil {
			pterm.Info.Printfln("%d result(s) pending settlement (no ledger configured)", len(pending))
		}
		return
	}

	submitNow, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Submit pending results to the ledger now?").Show()
	if !submitNow {
		return
	}

	key := settle.NewKeyPair()
	reconciler := settle.NewReconciler(log, &settle.HTTPSubmitter{URL: cfg.LedgerURL}, self, &key, logger)
	n, err := reconciler.Run(ctx)
	if err != nil {
		pterm.Error.Printfln("settlement failed, records stay pending: %v", err)
		return
	}
	if n == 0 {
		pterm.Info.Println("Nothing pending to settle")
		return
	}
	pterm.Success.Printfln("Settled %d result(s)", n)
}
