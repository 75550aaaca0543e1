package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/username/turbochat/internal/adapters/backend/rest"
	"github.com/username/turbochat/internal/adapters/storage/sqlite"
	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/domain/services"
	"github.com/username/turbochat/internal/pkg/constants"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/pkg/config"
	"github.com/username/turbochat/pkg/tokenizer"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logutil.NewLogger(logutil.LogConfig{
		Level:       logutil.ParseLevel(cfg.Logging.Level),
		Format:      cfg.Logging.Format,
		ServiceName: constants.ServiceName,
	})

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}

	store, err := sqlite.NewAdapter(cfg.Storage.Path, cfg.Storage.MaxSavedConversations)
	if err != nil {
		log.Fatalf("Failed to open conversation store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run store migrations: %v", err)
	}

	backend := rest.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout)

	notifier := ports.NotifierFunc(func(severity ports.Severity, title, message string) {
		fmt.Printf("\n[%s] %s: %s\n", severity, title, message)
	})

	manager := services.NewConversationManager(store, notifier, logger,
		cfg.Storage.MaxSavedConversations, cfg.Storage.DebounceInterval)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to load conversations: %v", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("Failed to flush conversations on shutdown", logutil.Fields{"error": err.Error()})
		}
	}()

	session := services.NewSessionContext(backend, store, logger, cfg.Generation, cfg.Backend.NoStreamFamilies)
	session.RestoreAPIKeys(ctx)
	refreshCtx, refreshCancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	if err := session.Refresh(refreshCtx); err != nil {
		logger.Warn("Backend unreachable, starting offline", logutil.Fields{"error": err.Error()})
	}
	refreshCancel()

	tok, err := tokenizer.NewTokenizer(cfg.Generation.Model)
	if err != nil {
		logger.Warn("Tokenizer unavailable, using length estimates", logutil.Fields{"error": err.Error()})
		tok = nil
	}

	builder := services.NewContextBuilder(tok, logger, services.DefaultContextWindow)

	var lastPreview int
	reader := services.NewStreamReader(logger, tok, cfg.Backend.StreamTimeout, func(text string) {
		if len(text) > lastPreview {
			fmt.Print(text[lastPreview:])
			lastPreview = len(text)
		}
	})

	engine := services.NewChatEngine(manager, session, builder, backend, reader, notifier, logger)

	// Ctrl-C stops an in-flight generation; when idle it begins a
	// graceful shutdown and restores default handling so the next one
	// force-exits.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range quit {
			if sig == syscall.SIGINT && engine.Busy() {
				engine.Stop()
				continue
			}
			signal.Stop(quit)
			cancel()
			fmt.Println("\nShutting down, press Ctrl-C again to force quit.")
			return
		}
	}()

	badge := session.Badge()
	fmt.Printf("%s %s | %s\n", constants.ServiceName, constants.ServiceVersion, badge.Label)
	fmt.Println("Type a message, or /help for commands.")

	r := &repl{
		ctx:         ctx,
		engine:      engine,
		manager:     manager,
		session:     session,
		backend:     backend,
		resetStream: func() { lastPreview = 0 },
	}
	r.run()
}

type repl struct {
	ctx     context.Context
	engine  *services.ChatEngine
	manager *services.ConversationManager
	session *services.SessionContext
	backend ports.Backend
	scanner *bufio.Scanner

	resetStream   func()
	ragCollection string
	useSearch     bool
}

func (r *repl) run() {
	r.scanner = bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !r.scanner.Scan() {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !r.dispatch(line) {
				return
			}
			continue
		}
		r.send(line)
	}
}

func (r *repl) send(content string) {
	r.resetStream()
	err := r.engine.Send(r.ctx, content, services.SendOptions{
		RagCollection: r.ragCollection,
		UseSearch:     r.useSearch,
	})
	fmt.Println()
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

// dispatch handles a slash command. It returns false when the REPL
// should exit.
func (r *repl) dispatch(line string) bool {
	parts := strings.SplitN(line, " ", 2)
	cmd := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		r.printHelp()
	case "/new":
		conv := r.manager.CreateConversation()
		fmt.Printf("Started %s\n", conv.Title)
	case "/list":
		r.printList()
	case "/open":
		r.open(arg)
	case "/delete":
		r.delete(arg)
	case "/copy":
		if conv := r.currentOrByIndex(arg); conv != nil {
			if dup := r.manager.DuplicateConversation(conv.ID); dup != nil {
				fmt.Printf("Duplicated as %q\n", dup.Title)
			}
		}
	case "/title":
		if conv := r.manager.Current(); conv == nil {
			fmt.Println("No active conversation")
		} else if !r.manager.UpdateConversationTitle(conv.ID, arg) {
			fmt.Println("Title cannot be empty")
		}
	case "/export":
		r.export(arg)
	case "/edit":
		r.editMessage(arg)
	case "/delmsg":
		r.withMessageIndex(arg, "deleted", r.manager.DeleteMessage)
	case "/recover":
		r.withMessageIndex(arg, "recovered", r.manager.RecoverMessage)
	case "/regen":
		r.regenerate()
	case "/apikey":
		r.apiKey(arg)
	case "/quiz":
		r.quiz(arg)
	case "/save":
		if err := r.manager.SaveNow(); err != nil {
			fmt.Printf("Save failed: %v\n", err)
		} else {
			fmt.Println("Saved")
		}
	case "/autosave":
		r.autosave(arg)
	case "/tone":
		r.tone(arg)
	case "/models":
		r.printModels()
	case "/model":
		r.switchModel(arg)
	case "/rag":
		r.rag(arg)
	case "/search":
		r.useSearch = !r.useSearch
		fmt.Printf("Web search: %v\n", r.useSearch)
	case "/status":
		r.printStatus()
	case "/stop":
		r.engine.Stop()
	default:
		fmt.Printf("Unknown command %s, try /help\n", cmd)
	}
	return true
}

func (r *repl) printHelp() {
	fmt.Println(`Commands:
  /new                     start a new conversation
  /list                    list saved conversations
  /open <n|id>             open a conversation
  /delete [n|id]           delete a conversation (current if omitted)
  /copy [n|id]             duplicate a conversation
  /title <text>            rename the current conversation
  /export [file]           export the current conversation as markdown
  /edit <i> <text>         rewrite message i of the current conversation
  /delmsg <i>              delete message i (recoverable)
  /recover <i>             restore a deleted message
  /regen                   regenerate the last assistant response
  /save                    flush pending changes to disk
  /autosave on|off         toggle automatic saving
  /tone <name>             set response tone (default|teacher|simple|detailed)
  /models                  list available models
  /model <file>            switch to a local model
  /apikey <provider> <key> [model]   configure a provider API key
  /rag use <col> | off     ground generations on a collection
  /rag list|create|delete|upload     manage collections
  /quiz gen <subject> <grade> <topic>   generate a quiz
  /quiz list|show|delete|take        manage and take quizzes
  /search                  toggle web search
  /status                  show model and session status
  /stop                    stop the current generation
  /quit                    exit`)
}

func (r *repl) printList() {
	convs := r.manager.Conversations()
	if len(convs) == 0 {
		fmt.Println("No saved conversations")
		return
	}
	current := r.manager.Current()
	for i, conv := range convs {
		marker := " "
		if current != nil && conv.ID == current.ID {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%d messages, %s)\n",
			marker, i+1, conv.Title, len(conv.VisibleMessages()),
			conv.LastUpdated.Format("2006-01-02 15:04"))
	}
}

// currentOrByIndex resolves an argument that is either empty (current
// conversation), a 1-based index from /list, or a conversation ID.
func (r *repl) currentOrByIndex(arg string) *entities.ConversationRecord {
	if arg == "" {
		conv := r.manager.Current()
		if conv == nil {
			fmt.Println("No active conversation")
		}
		return conv
	}
	convs := r.manager.Conversations()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			fmt.Printf("No conversation %d\n", n)
			return nil
		}
		return convs[n-1]
	}
	for _, conv := range convs {
		if conv.ID == arg {
			return conv
		}
	}
	fmt.Printf("No conversation %q\n", arg)
	return nil
}

func (r *repl) open(arg string) {
	conv := r.currentOrByIndex(arg)
	if conv == nil {
		return
	}
	if loaded := r.manager.LoadConversation(conv.ID); loaded != nil {
		fmt.Printf("Opened %q\n", loaded.Title)
		for _, msg := range loaded.VisibleMessages() {
			role := "You"
			if msg.Role == entities.RoleAssistant {
				role = "Assistant"
			}
			fmt.Printf("%s: %s\n", role, msg.Content)
		}
	}
}

func (r *repl) delete(arg string) {
	conv := r.currentOrByIndex(arg)
	if conv == nil {
		return
	}
	if r.manager.DeleteConversation(conv.ID) {
		fmt.Printf("Deleted %q\n", conv.Title)
	}
}

func (r *repl) export(path string) {
	conv := r.manager.Current()
	if conv == nil {
		fmt.Println("No active conversation")
		return
	}
	markdown, ok := r.manager.ExportConversation(conv.ID)
	if !ok {
		fmt.Println("Nothing to export")
		return
	}
	if path == "" {
		fmt.Println(markdown)
		return
	}
	if err := os.WriteFile(path, []byte(markdown), 0644); err != nil {
		fmt.Printf("Export failed: %v\n", err)
		return
	}
	fmt.Printf("Exported to %s\n", path)
}

func (r *repl) autosave(arg string) {
	switch arg {
	case "on":
		r.manager.SetAutoSave(true)
	case "off":
		r.manager.SetAutoSave(false)
	case "":
	default:
		fmt.Println("Usage: /autosave on|off")
		return
	}
	fmt.Printf("Auto-save: %v\n", r.manager.AutoSaveEnabled())
}

func (r *repl) tone(arg string) {
	if arg == "" {
		fmt.Printf("Tone: %s\n", r.session.Tone())
		return
	}
	if !r.session.SetTone(entities.Tone(arg)) {
		fmt.Printf("Unknown tone %q\n", arg)
		return
	}
	fmt.Printf("Tone set to %s\n", arg)
}

func (r *repl) printModels() {
	models, err := r.session.Models(r.ctx)
	if err != nil {
		fmt.Printf("Could not list models: %v\n", err)
		return
	}
	for _, m := range models {
		size := ""
		if m.Size > 0 {
			size = fmt.Sprintf(" (%.1f GB)", float64(m.Size)/float64(1<<30))
		}
		fmt.Printf("  %s%s\n", m.Name, size)
	}
	apiModels, err := r.session.APIModels(r.ctx)
	if err != nil {
		return
	}
	for provider, names := range apiModels {
		fmt.Printf("  %s: %s\n", provider, strings.Join(names, ", "))
	}
}

func (r *repl) switchModel(arg string) {
	if arg == "" {
		fmt.Println("Usage: /model <file>")
		return
	}
	if err := r.session.SwitchToLocal(r.ctx, arg); err != nil {
		fmt.Printf("Switch failed: %v\n", err)
		return
	}
	fmt.Printf("Switched to %s\n", r.session.CurrentModel())
}

func (r *repl) rag(arg string) {
	parts := strings.SplitN(arg, " ", 2)
	sub := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}

	switch sub {
	case "":
		if r.ragCollection == "" {
			fmt.Println("Knowledge-base mode is off; use /rag use <collection>")
		} else {
			fmt.Printf("Knowledge-base mode on: %s\n", r.ragCollection)
		}
	case "use":
		if rest == "" {
			fmt.Println("Usage: /rag use <collection>")
			return
		}
		r.ragCollection = rest
		fmt.Printf("Knowledge-base mode on: %s\n", rest)
	case "off":
		r.ragCollection = ""
		fmt.Println("Knowledge-base mode off")
	case "list":
		collections, err := r.backend.ListCollections(r.ctx)
		if err != nil {
			fmt.Printf("Could not list collections: %v\n", err)
			return
		}
		if len(collections) == 0 {
			fmt.Println("No collections")
			return
		}
		for _, col := range collections {
			fmt.Printf("  %s (%d documents) %s\n", col.Name, col.DocumentCount, col.Description)
		}
	case "create":
		fields := strings.SplitN(rest, " ", 2)
		if fields[0] == "" {
			fmt.Println("Usage: /rag create <name> [description]")
			return
		}
		description := ""
		if len(fields) == 2 {
			description = fields[1]
		}
		if err := r.backend.CreateCollection(r.ctx, fields[0], description); err != nil {
			fmt.Printf("Create failed: %v\n", err)
			return
		}
		fmt.Printf("Created collection %s\n", fields[0])
	case "delete":
		if rest == "" {
			fmt.Println("Usage: /rag delete <name>")
			return
		}
		if err := r.backend.DeleteCollection(r.ctx, rest); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
			return
		}
		if r.ragCollection == rest {
			r.ragCollection = ""
		}
		fmt.Printf("Deleted collection %s\n", rest)
	case "upload":
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) != 2 {
			fmt.Println("Usage: /rag upload <collection> <file>")
			return
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			fmt.Printf("Could not read %s: %v\n", fields[1], err)
			return
		}
		if err := r.backend.UploadDocument(r.ctx, fields[0], filepath.Base(fields[1]), data); err != nil {
			fmt.Printf("Upload failed: %v\n", err)
			return
		}
		fmt.Printf("Indexed %s into %s\n", filepath.Base(fields[1]), fields[0])
	default:
		fmt.Println("Usage: /rag [use <col>|off|list|create|delete|upload]")
	}
}

func (r *repl) editMessage(arg string) {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		fmt.Println("Usage: /edit <i> <new text>")
		return
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		fmt.Println("Usage: /edit <i> <new text>")
		return
	}
	content := strings.TrimSpace(parts[1])
	if !r.manager.UpdateMessage(index, services.MessageUpdate{Content: &content}) {
		fmt.Printf("No message %d\n", index)
		return
	}
	fmt.Printf("Message %d updated\n", index)
}

func (r *repl) withMessageIndex(arg, verb string, op func(int) bool) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Printf("Usage: /%s <i>\n", map[string]string{"deleted": "delmsg", "recovered": "recover"}[verb])
		return
	}
	if !op(index) {
		fmt.Printf("No message %d\n", index)
		return
	}
	fmt.Printf("Message %d %s\n", index, verb)
}

func (r *repl) regenerate() {
	r.resetStream()
	err := r.engine.Regenerate(r.ctx, services.SendOptions{
		RagCollection: r.ragCollection,
		UseSearch:     r.useSearch,
	})
	fmt.Println()
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (r *repl) apiKey(arg string) {
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		fmt.Println("Usage: /apikey <provider> <key> [model]")
		return
	}
	provider, key := fields[0], fields[1]

	if provider == "serpapi" {
		if err := r.session.ConfigureSerpAPIKey(r.ctx, key); err != nil {
			fmt.Printf("Key rejected: %v\n", err)
			return
		}
		fmt.Println("Search API key configured")
		return
	}

	model := ""
	if len(fields) > 2 {
		model = fields[2]
	}
	if err := r.session.ConfigureAPIKey(r.ctx, provider, key, model); err != nil {
		fmt.Printf("Key rejected: %v\n", err)
		return
	}
	fmt.Printf("Switched to %s\n", r.session.Badge().Label)
}

func (r *repl) quiz(arg string) {
	parts := strings.SplitN(arg, " ", 2)
	sub := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}

	switch sub {
	case "list":
		quizzes, err := r.backend.ListQuizzes(r.ctx, "", "")
		if err != nil {
			fmt.Printf("Could not list quizzes: %v\n", err)
			return
		}
		if len(quizzes) == 0 {
			fmt.Println("No quizzes")
			return
		}
		for _, q := range quizzes {
			fmt.Printf("  %s  %s (%s, %s, %d questions)\n",
				q.ID, q.Title, q.Subject, q.GradeLevel, q.QuestionCount)
		}
	case "gen":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) != 3 {
			fmt.Println("Usage: /quiz gen <subject> <grade> <topic>")
			return
		}
		genReq := &ports.QuizGenerationRequest{
			Subject:       fields[0],
			GradeLevel:    fields[1],
			Topic:         fields[2],
			RagCollection: r.ragCollection,
		}
		fmt.Println("Generating quiz...")
		quiz, err := r.backend.GenerateQuiz(r.ctx, genReq)
		if err != nil {
			fmt.Printf("Generation failed: %v\n", err)
			return
		}
		fmt.Printf("Generated %s  %q (%d questions)\n", quiz.ID, quiz.Title, len(quiz.Questions))
	case "show":
		quiz, err := r.backend.Quiz(r.ctx, rest)
		if err != nil {
			fmt.Printf("Could not fetch quiz: %v\n", err)
			return
		}
		fmt.Printf("%s (%s, %s)\n", quiz.Title, quiz.Subject, quiz.GradeLevel)
		for i, q := range quiz.Questions {
			fmt.Printf("%2d. %s\n", i+1, q.Question)
			for j, opt := range q.Options {
				fmt.Printf("      %c) %s\n", 'a'+j, opt)
			}
		}
	case "delete":
		if err := r.backend.DeleteQuiz(r.ctx, rest); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
			return
		}
		fmt.Printf("Deleted quiz %s\n", rest)
	case "take":
		r.takeQuiz(rest)
	default:
		fmt.Println("Usage: /quiz [gen|list|show|delete|take]")
	}
}

// takeQuiz runs an interactive attempt: one prompt per question, answers
// by option letter, blank to skip.
func (r *repl) takeQuiz(id string) {
	if id == "" {
		fmt.Println("Usage: /quiz take <id>")
		return
	}
	quiz, err := r.backend.Quiz(r.ctx, id)
	if err != nil {
		fmt.Printf("Could not fetch quiz: %v\n", err)
		return
	}

	attemptID, err := r.backend.StartQuizAttempt(r.ctx, quiz.ID, "local", "Local student")
	if err != nil {
		fmt.Printf("Could not start attempt: %v\n", err)
		return
	}

	answers := make([]int, len(quiz.Questions))
	for i, q := range quiz.Questions {
		fmt.Printf("\n%2d/%d  %s\n", i+1, len(quiz.Questions), q.Question)
		for j, opt := range q.Options {
			fmt.Printf("      %c) %s\n", 'a'+j, opt)
		}
		answers[i] = r.readAnswer(len(q.Options))
	}

	result, err := r.backend.SubmitQuizAttempt(r.ctx, attemptID, answers)
	if err != nil {
		fmt.Printf("Could not submit attempt: %v\n", err)
		return
	}
	fmt.Printf("\nScore: %.0f%% (%d correct, %d wrong, %d skipped)\n",
		result.Score, result.CorrectAnswers, result.IncorrectAnswers, result.SkippedQuestions)
	if len(result.Weaknesses) > 0 {
		fmt.Printf("Topics to review: %s\n", strings.Join(result.Weaknesses, ", "))
	}
}

// readAnswer reads one option letter; anything else counts as a skip
func (r *repl) readAnswer(optionCount int) int {
	fmt.Print("answer> ")
	if !r.scanner.Scan() {
		return -1
	}
	text := strings.ToLower(strings.TrimSpace(r.scanner.Text()))
	if len(text) != 1 {
		return -1
	}
	choice := int(text[0] - 'a')
	if choice < 0 || choice >= optionCount {
		return -1
	}
	return choice
}

func (r *repl) printStatus() {
	badge := r.session.Badge()
	fmt.Printf("%s [%s]\n", badge.Label, badge.Color)
	fmt.Printf("Streaming: %v\n", r.session.SupportsStreaming())
	fmt.Printf("Tone: %s\n", r.session.Tone())
	fmt.Printf("Auto-save: %v\n", r.manager.AutoSaveEnabled())
	if snap := r.engine.Metrics(); snap.ResponsesDone > 0 {
		fmt.Printf("Responses: %d (%d interrupted), avg %.1fs\n",
			snap.ResponsesDone, snap.Interrupted, snap.AvgResponseTime.Seconds())
	}
	if usage, err := r.session.TokenUsage(r.ctx); err == nil {
		fmt.Printf("Tokens: %d in / %d out\n", usage.InputTokens, usage.OutputTokens)
	}
}
