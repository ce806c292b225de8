package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"joke-bot/internal/config"
	"joke-bot/internal/generator/gemini"
	"joke-bot/internal/prompt"
	"joke-bot/internal/session"
	"joke-bot/pkg/logger"
)

var (
	logLevel = flag.String("log-level", "warn", "log level")
	offline  = flag.Bool("offline", false, "use canned jokes instead of Gemini")
)

var cannedJokes = []string{
	"I told my computer a joke about UDP. It didn't get it.\n---\n我跟電腦講了一個UDP的笑話。它沒收到。",
	"Why do programmers prefer dark mode? Because light attracts bugs.\n---\n為什麼程式設計師喜歡深色模式？因為光會吸引蟲子。",
	"I told my computer a joke about UDP. It didn't get it.\n---\n我跟電腦講了一個UDP的笑話。它沒收到。",
}

func main() {
	flag.Parse()
	logger.Init(*logLevel, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	gen, closeGen, err := newGenerator(ctx, cfg.Gemini)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create generator: %v\n", err)
		os.Exit(1)
	}
	defer closeGen()

	s := session.New(gen,
		session.WithComposer(prompt.NewComposer(prompt.WithTargetLanguage(cfg.Session.TargetLanguage))),
		session.WithMaxHistory(cfg.Session.MaxHistory),
		session.WithTimeout(cfg.Gemini.Timeout),
		session.WithReporter(func(rep session.Report) {
			if rep.Duplicate {
				fmt.Printf("  (duplicate detected, retried=%v, history reset=%v)\n", rep.Retried, rep.HistoryReset)
			}
		}),
	)
	s.Subscribe(printState)

	fmt.Println("=== Joke session ===")
	fmt.Println("n: new joke  u: not funny  c: clear history  s: status  q: quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "n", "":
			s.RequestNewJoke(ctx)
			s.Wait()
		case "u":
			s.MarkUnfunny()
			s.RequestNewJoke(ctx)
			s.Wait()
		case "c":
			s.ClearHistory()
			fmt.Println("History cleared")
		case "s":
			fmt.Printf("State: %s  History: %d  Punishment pending: %v\n",
				session.KindOf(s.State()), s.HistorySize(), s.PunishmentPending())
		case "q":
			return
		default:
			fmt.Println("Unknown command")
		}
	}
}

func newGenerator(ctx context.Context, cfg config.GeminiConfig) (session.Generator, func(), error) {
	if *offline {
		i := 0
		return session.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
			joke := cannedJokes[i%len(cannedJokes)]
			i++
			return joke, nil
		}), func() {}, nil
	}

	gen, err := gemini.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return gen, func() { gen.Close() }, nil
}

func printState(st session.State) {
	switch s := st.(type) {
	case session.Loading:
		fmt.Println("Loading...")
	case session.Success:
		fmt.Println()
		fmt.Println(s.EnglishJoke)
		fmt.Println()
		fmt.Println(s.Translation)
		fmt.Println()
	case session.Error:
		fmt.Printf("Error: %s\n", s.Message)
	}
}
