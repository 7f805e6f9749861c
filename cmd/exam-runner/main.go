package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/proctor"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/submission"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

func main() {
	examFlag := flag.String("exam", "", "Exam ID to take")
	flag.Parse()

	cfg := config.LoadEngine()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	examID, err := uuid.Parse(*examFlag)
	if err != nil {
		color.Red("Error: -exam must be a valid exam ID")
		os.Exit(2)
	}

	token := cfg.APIToken
	if token == "" {
		fmt.Print("Enter student token: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			color.Red("Error reading token")
			os.Exit(1)
		}
		token = strings.TrimSpace(string(raw))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := examapi.New(examapi.Config{
		BaseURL: cfg.APIURL,
		Token:   token,
		Timeout: cfg.APITimeout,
	}, log)

	// ─── Proctoring Bridge ─────────────────────────────────────────────
	bridge := proctor.NewBridge(log, cfg.AllowedOrigins)
	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)
	bridgeSrv := &http.Server{
		Addr:              cfg.ProctorBridgeAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ProctorBridgeAddr).Msg("Proctoring bridge listening")
		if err := bridgeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Proctoring bridge stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bridgeSrv.Shutdown(shutdownCtx)
	}()

	// ─── Open Attempt ──────────────────────────────────────────────────
	openCtx, cancelOpen := context.WithTimeout(ctx, time.Minute)
	sess, err := session.Open(openCtx, client, examID, session.Options{
		Config:  session.ConfigFrom(cfg),
		Signals: bridge,
		Hooks: session.Hooks{
			OnWarning: func(w proctor.Warning) {
				printWarning(w)
				bridge.NotifyWarning(w)
			},
			OnPhase: func(p submission.Phase) {
				color.Cyan("Submission: %s", p)
				bridge.Broadcast(ws.PhaseEvent{Event: ws.EventSubmit, Phase: p.String()})
			},
			OnFinished: func(res model.AttemptResult) {
				bridge.Broadcast(ws.FinishedEvent{
					Event:      ws.EventFinished,
					FinalScore: res.FinalScore.FinalScore,
					RedirectTo: res.RedirectTo,
				})
			},
		},
	}, log)
	cancelOpen()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoAttemptsLeft):
			color.Red("You have used every attempt for this exam.")
		case examapi.IsUnauthorized(err):
			color.Red("Your token was rejected. Please sign in again.")
		default:
			color.Red("Could not open the exam: %v", err)
		}
		os.Exit(1)
	}
	defer sess.Close()

	exam := sess.Exam()
	color.Green("\n%s (%d questions, %d minutes)", exam.Title, len(exam.Questions), exam.DurationMinutes)
	if reg := sess.Registration(); reg.MaxAttempts > 0 {
		fmt.Printf("Attempt %d of %d\n", reg.AttemptsUsed, reg.MaxAttempts)
	}
	printHelp()

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-sess.Done():
			finish(sess)
			return
		case <-ctx.Done():
			color.Yellow("\nInterrupted, submitting your answers...")
			submitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := sess.Submit(submitCtx, model.SubmitManual)
			cancel()
			if err != nil {
				color.Red("Submission failed: %v", err)
				os.Exit(1)
			}
			finish(sess)
			return
		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			run(ctx, sess, line)
		}
	}
}

func readCommands(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
	close(out)
}

func printHelp() {
	fmt.Println("\nCommands:")
	fmt.Println("  list                  show questions and answer status")
	fmt.Println("  show <n>              print question n")
	fmt.Println("  answer <n> <text>     answer question n and save it")
	fmt.Println("  signal <name>         simulate a proctoring signal (hidden, visible, blur, focus, fullscreen_exit, fullscreen_enter)")
	fmt.Println("  status                time left and proctoring state")
	fmt.Println("  submit                submit the attempt")
	fmt.Println("  help                  show this help")
}

func run(ctx context.Context, sess *session.Session, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
	case "help":
		printHelp()
	case "list":
		printQuestions(sess)
	case "show":
		q, ok := question(sess, rest)
		if !ok {
			return
		}
		fmt.Printf("\n%s\n\n", q.Content)
	case "answer":
		num, text, _ := strings.Cut(rest, " ")
		q, ok := question(sess, num)
		if !ok {
			return
		}
		if err := sess.SetAnswer(q.ID, strings.TrimSpace(text)); err != nil {
			color.Red("Cannot change the answer: %v", err)
			return
		}
		rec, err := sess.Save(ctx, q.ID)
		if err != nil {
			color.Yellow("Answer kept locally, saving failed: %v", err)
			return
		}
		color.Green("Saved (%s)", rec.State)
	case "signal":
		sig := proctor.Signal(rest)
		if !sig.Valid() || sig == ws.SignalPing {
			color.Red("Unknown signal %q", rest)
			return
		}
		sess.HandleSignal(sig)
	case "status":
		v := sess.Violations()
		fmt.Printf("Time left: %s | proctoring: %s | tab switches: %d | fullscreen exits: %d | submission: %s\n",
			sess.Remaining().Truncate(time.Second), sess.ProctorState(), v.TabSwitches(), v.FullscreenExits(), sess.Phase())
	case "submit":
		if _, err := sess.Submit(ctx, model.SubmitManual); err != nil {
			color.Red("Submission failed: %v", err)
		}
	default:
		color.Red("Unknown command %q, type help", cmd)
	}
}

func question(sess *session.Session, num string) (model.Question, bool) {
	qs := sess.Exam().Questions
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > len(qs) {
		color.Red("Question number must be between 1 and %d", len(qs))
		return model.Question{}, false
	}
	return qs[n-1], true
}

func printQuestions(sess *session.Session) {
	records := make(map[uuid.UUID]model.AnswerRecord)
	for _, r := range sess.Records() {
		records[r.QuestionID] = r
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Question", "Points", "Answer"})
	for i, q := range sess.Exam().Questions {
		state := "-"
		if r, ok := records[q.ID]; ok && r.Answer != "" {
			state = string(r.State)
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			truncate(q.Content, 50),
			fmt.Sprintf("%.0f", q.Points()),
			state,
		})
	}
	table.Render()
}

func printWarning(w proctor.Warning) {
	switch {
	case w.ForcedSubmitIn > 0:
		color.Red("\nToo many violations. Your exam will be submitted in %s.", w.ForcedSubmitIn)
	case w.CheatingDetected:
		color.Red("\nLeaving fullscreen too often was reported as cheating (%d exits).", w.FullscreenExits)
	default:
		color.Yellow("\nWarning: %s (tab switches: %d, fullscreen exits: %d)", w.Violation, w.TabSwitches, w.FullscreenExits)
	}
}

func finish(sess *session.Session) {
	res, ok := sess.Result()
	if !ok {
		color.Red("The attempt ended without a result.")
		return
	}

	exam := sess.Exam()
	color.Yellow("\nResults: %s", exam.Title)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Score", "Similarity", "Graded by", "Feedback"})
	for i, g := range res.PerQuestion {
		table.Append([]string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%.1f / %.0f", g.Score, g.MaxPoints),
			fmt.Sprintf("%.0f%%", g.Similarity),
			string(g.Source),
			truncate(g.Feedback, 60),
		})
	}
	table.Render()

	fmt.Printf("Original score: %.1f\n", res.OriginalScore)
	fmt.Printf("Penalty:        %.0f%% (%d tab switches, %d fullscreen exits)\n",
		res.PenaltyPercentage, res.TabSwitches, res.FullscreenExits)
	if res.FinalScore.FinalScore >= exam.PassingScore {
		color.Green("Final score:    %.1f (passed)", res.FinalScore.FinalScore)
	} else {
		color.Red("Final score:    %.1f (below %.0f)", res.FinalScore.FinalScore, exam.PassingScore)
	}
	if !res.Completed {
		color.Yellow("The server did not confirm completion; your answers are saved and will be reconciled.")
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sess.Wait(waitCtx)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
