// Command caesium-cli is a small client for a running caesium-server: it
// can run one-off queries, bulk-insert data files of one integer per line,
// and empirically check the sketch's observed error against its requested
// tolerance.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/wire"
)

var (
	version = "dev"
)

func main() {
	app := &cli.App{
		Name:    "caesium-cli",
		Usage:   "query and load-data tool for a caesium-server instance",
		Version: version,
		Commands: []*cli.Command{
			queryCommand(),
			insertCommand(),
			sketchErrorCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run one query against a server's query-addr and print the result table",
		ArgsUsage: "<query-text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7681", Usage: "server query-addr"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one query-text argument")
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			conn, err := net.Dial("tcp", c.String("addr"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetDeadline(deadline)
			}

			if err := wire.WriteQueryRequest(conn, wire.QueryRequest{Text: c.Args().First()}); err != nil {
				return err
			}
			resp, err := wire.ReadQueryResponse(conn)
			if err != nil {
				return err
			}
			if resp.Status != 0 {
				return fmt.Errorf("server returned status %d", resp.Status)
			}
			fmt.Println(string(resp.Payload))
			return nil
		},
	}
}

func insertCommand() *cli.Command {
	return &cli.Command{
		Name:      "insert",
		Usage:     "insert one window for a metric from a file of newline-separated integers",
		ArgsUsage: "<metric> <file> <start> <end>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7680", Usage: "server insert-addr"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 4 {
				return fmt.Errorf("expected <metric> <file> <start> <end>")
			}
			metric := c.Args().Get(0)
			path := c.Args().Get(1)
			start, err := strconv.ParseInt(c.Args().Get(2), 10, 64)
			if err != nil {
				return err
			}
			end, err := strconv.ParseInt(c.Args().Get(3), 10, 64)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			sk := sketch.NewDefault()
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				line := sc.Text()
				if line == "" {
					continue
				}
				v, err := strconv.ParseUint(line, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid line %q: %w", line, err)
				}
				sk.Insert(v)
			}
			if err := sc.Err(); err != nil {
				return err
			}

			payload, err := sk.MarshalBinary()
			if err != nil {
				return err
			}

			conn, err := net.Dial("tcp", c.String("addr"))
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := wire.WriteInsertRequest(conn, wire.InsertRequest{
				Metric: metric, Start: start, End: end, SketchBytes: payload,
			}); err != nil {
				return err
			}
			status, err := wire.ReadInsertResponse(conn)
			if err != nil {
				return err
			}
			if status != 0 {
				return fmt.Errorf("server returned status %d", status)
			}
			fmt.Printf("inserted %d samples into %s[%d,%d)\n", sk.Count(), metric, start, end)
			return nil
		},
	}
}

func sketchErrorCommand() *cli.Command {
	return &cli.Command{
		Name:  "sketch-error",
		Usage: "insert a known uniform distribution locally and report observed vs requested rank error",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 100000, Usage: "number of samples"},
			&cli.IntFlag{Name: "k", Value: sketch.DefaultK, Usage: "sketch compaction parameter"},
			&cli.Float64Flag{Name: "phi", Value: 0.5, Usage: "quantile to evaluate"},
		},
		Action: func(c *cli.Context) error {
			n := c.Int("n")
			sk := sketch.New(c.Int("k"))
			values := make([]uint64, n)
			for i := 0; i < n; i++ {
				values[i] = uint64(i)
				sk.Insert(uint64(i))
			}
			sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

			phi := c.Float64("phi")
			got, err := sk.Quantile(phi)
			if err != nil {
				return err
			}
			exactIdx := int(phi * float64(n))
			if exactIdx >= n {
				exactIdx = n - 1
			}
			exact := values[exactIdx]

			rankErr := float64(0)
			if n > 0 {
				rankErr = absDiff(got, exact) / float64(n)
			}
			fmt.Printf("phi=%.3f exact=%d observed=%d normalized-rank-error=%.5f\n", phi, exact, got, rankErr)
			return nil
		},
	}
}

func absDiff(a, b uint64) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}
