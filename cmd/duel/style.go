package main

import (
	"errors"

	"github.com/pterm/pterm"

	"github.com/fairgame-ops/highcard/game"
)

func cardPanel(title, face string) pterm.Panel {
	pbox := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)
	return pterm.Panel{Data: pbox.WithTitle(title).WithTitleTopCenter().Sprint(face)}
}

func renderSummary(s game.Summary, self, opponent string) {
	switch s.State {
	case game.StateFinished:
		panels := pterm.Panels{{
			cardPanel(pterm.LightYellow("|YOU|"), s.MyCard.String()),
			cardPanel(pterm.LightYellow("|OPPONENT|"), s.OpponentCard.String()),
		}}
		rendered, err := pterm.DefaultPanel.WithPanels(panels).Srender()
		if err == nil {
			pterm.Println(rendered)
		}
		switch s.Winner {
		case "":
			pterm.Info.Println("It's a tie")
		case self:
			pterm.Success.Println("You win!")
		default:
			pterm.Warning.Printfln("%s wins", opponent)
		}
	case game.StateAborted:
		var violation *game.ViolationError
		switch {
		case errors.As(s.Err, &violation):
			pterm.Error.Printfln("Opponent broke the protocol: %s", violation.Reason)
		case errors.Is(s.Err, game.ErrDeadline):
			pterm.Warning.Println("Opponent went silent; session abandoned")
		default:
			pterm.Error.Printfln("Session aborted: %v", s.Err)
		}
	}
}
