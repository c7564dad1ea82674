package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/justjake/sqlink/pkg/driver"
	"github.com/justjake/sqlink/pkg/postgres"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`                __ _         __   `,
	`   _________ _ / /(_)____   / /__ `,
	`  / ___/ __ '// // // __ \ / //_/ `,
	` (__  ) /_/ // // // / / // ,<    `,
	`/____/\__, //_//_//_/ /_//_/|_|   `,
	`        /_/                       `,
}

func printBanner() {
	// Gradient from teal to purple
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage and result output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9B30FF")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1"))

	nullStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  sqlink ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		// Extract type name from *flag.stringValue -> string
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render(`  sqlink -url postgres://localhost/mydb -query "SELECT version()"`))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'sqlink -help' for full documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func printResult(res driver.QueryResult) {
	cols := res.Columns()
	if cols == nil {
		fmt.Println(descStyle.Render(fmt.Sprintf("OK, %d rows affected", res.RowsAffected())))
		return
	}

	widths := make([]int, len(cols))
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Name()
		widths[i] = len(c.Name())
	}

	rows := res.Rows()
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, row.Len())
		for i := 0; i < row.Len(); i++ {
			v := row.Value(i)
			text := "NULL"
			if !v.IsNull() {
				text = string(v.Bytes())
			}
			cells[r][i] = text
			if len(text) > widths[i] {
				widths[i] = len(text)
			}
		}
	}

	var line strings.Builder
	for i, name := range header {
		line.WriteString(headerStyle.Render(fmt.Sprintf("%-*s", widths[i], name)))
		line.WriteString("  ")
	}
	fmt.Println(line.String())

	for r, row := range cells {
		line.Reset()
		for i, text := range row {
			padded := fmt.Sprintf("%-*s", widths[i], text)
			if rows[r].Value(i).IsNull() {
				padded = nullStyle.Render(padded)
			}
			line.WriteString(padded)
			line.WriteString("  ")
		}
		fmt.Println(line.String())
	}
	fmt.Println(descStyle.Render(fmt.Sprintf("(%d rows)", len(rows))))
}

func main() {
	url := flag.String("url", "", "connection URL, e.g. postgres://user@host:5432/db")
	query := flag.String("query", "", "SQL statement to execute")
	useTx := flag.Bool("tx", false, "run the statement inside a transaction")
	ping := flag.Bool("ping", false, "connect, ping, and exit")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	// Show full docs with -help
	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	// Show compact usage when no URL provided
	if *url == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx := context.Background()

	db := postgres.DB{}
	conn, err := db.Connect(ctx, *url)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	logger.Info("connected",
		"backend", db.Name(),
		"server_version", conn.ParameterStatus("server_version"),
		"pid", conn.ProcessID())

	if *ping {
		if err := conn.Ping(ctx); err != nil {
			logger.Error("ping failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(titleStyle.Render("ok"))
		return
	}

	if *query == "" {
		logger.Error("nothing to do: pass -query or -ping")
		os.Exit(1)
	}

	run := func(ctx context.Context, c *postgres.Conn) error {
		res, err := c.Exec(ctx, *query)
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	}

	if *useTx {
		err = driver.Transaction(ctx, conn, db.TxManager(), func(ctx context.Context, tx *driver.Tx[*postgres.Conn]) error {
			return run(ctx, tx.Conn())
		})
	} else {
		err = run(ctx, conn)
	}
	if err != nil {
		logger.Error("query failed", "error", err)
		os.Exit(1)
	}
}
