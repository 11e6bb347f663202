package main

import (
	"time"

	"github.com/san-kum/posture-screen/server/middleware"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/storage"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	dbFilePathFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "Path to the report database",
		EnvVars: []string{"REPORTS_DB_PATH"},
		Value:   storage.DataFileName,
	}

	clientFlag = &cli.StringFlag{
		Name:     "client",
		Usage:    "Client ID the reports were stored for",
		Required: true,
	}

	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Limits number of reports returned",
		Value: 20,
	}

	secretFlag = &cli.StringFlag{
		Name:     "secret",
		Usage:    "Token signing secret shared with the server",
		EnvVars:  []string{"JWT_SECRET_KEY"},
		Required: true,
	}

	subjectFlag = &cli.StringFlag{
		Name:  "subject",
		Usage: "Who the token is issued to",
		Value: "operator",
	}

	ttlFlag = &cli.DurationFlag{
		Name:  "ttl",
		Usage: "Token lifetime",
		Value: time.Hour,
	}

	historyCmd = &cli.Command{
		Name:    "history",
		Aliases: []string{"h"},
		Usage:   "Lists stored reports of a client, newest first",
		Flags: []cli.Flag{
			dbFilePathFlag,
			clientFlag,
			limitFlag,
		},
		Action: cmdHistory,
	}

	compareCmd = &cli.Command{
		Name:  "compare",
		Usage: "Compares the latest report of a client with the previous one",
		Flags: []cli.Flag{
			dbFilePathFlag,
			clientFlag,
		},
		Action: cmdCompare,
	}

	tokenCmd = &cli.Command{
		Name:  "token",
		Usage: "Issues an admin token for the server's admin routes",
		Flags: []cli.Flag{
			secretFlag,
			subjectFlag,
			ttlFlag,
		},
		Action: cmdToken,
	}
)

type historyItem struct {
	ID        string       `json:"id" yaml:"id"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	Report    reportOutput `json:"report" yaml:"report"`
}

func newHistoryItem(sr *models.StoredReport) historyItem {
	return historyItem{
		ID:        sr.ID,
		CreatedAt: sr.CreatedAt,
		Report:    newReportOutput(sr.Report),
	}
}

func cmdHistory(c *cli.Context) error {
	store, err := storage.Open(c.String(dbFilePathFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.History(c.Context, c.String(clientFlag.Name), c.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	log.Debugf("found %d reports", len(list))

	items := make([]historyItem, 0, len(list))
	for _, sr := range list {
		items = append(items, newHistoryItem(sr))
	}
	return printOutput(c, items)
}

func cmdCompare(c *cli.Context) error {
	store, err := storage.Open(c.String(dbFilePathFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()

	cmp, err := store.Compare(c.Context, c.String(clientFlag.Name))
	if err != nil {
		return err
	}

	out := struct {
		Latest   historyItem  `json:"latest" yaml:"latest"`
		Previous *historyItem `json:"previous,omitempty" yaml:"previous,omitempty"`
		Delta    *int         `json:"score_delta,omitempty" yaml:"score_delta,omitempty"`
	}{
		Latest: newHistoryItem(cmp.Latest),
		Delta:  cmp.Delta,
	}
	if cmp.Previous != nil {
		prev := newHistoryItem(cmp.Previous)
		out.Previous = &prev
	}
	return printOutput(c, out)
}

func cmdToken(c *cli.Context) error {
	auth := middleware.NewAuthMiddleware(c.String(secretFlag.Name), zap.NewNop())
	token, err := auth.GenerateToken(c.String(subjectFlag.Name), middleware.RoleAdmin, c.Duration(ttlFlag.Name))
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write([]byte(token + "\n"))
	return err
}
