package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/turbochat/internal/domain/ports"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newFakeBackend(t *testing.T, register func(*gin.Engine)) *Client {
	t.Helper()

	router := gin.New()
	register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return NewClient(server.URL, 5*time.Second)
}

func TestChatReturnsContentAndTiming(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/chat", func(c *gin.Context) {
			var req map[string]interface{}
			require.NoError(t, c.BindJSON(&req))
			assert.Equal(t, false, req["stream"])

			c.JSON(http.StatusOK, gin.H{
				"choices": []gin.H{
					{"message": gin.H{"role": "assistant", "content": "Paris is the capital of France."}},
				},
				"stats": gin.H{"response_time": 1.25},
			})
		})
	})

	result, err := client.Chat(context.Background(), &ports.ChatRequest{
		Messages: []ports.ChatMessage{{Role: "user", Content: "Capital of France?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result.Content)
	assert.InDelta(t, 1.25, result.ResponseTime, 0.001)
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/chat", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"choices": []gin.H{}})
		})
	})

	_, err := client.Chat(context.Background(), &ports.ChatRequest{})
	assert.Error(t, err)
}

func TestChatSurfacesBackendErrors(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/chat", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Model not loaded"})
		})
	})

	_, err := client.Chat(context.Background(), &ports.ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "Model not loaded")
}

func TestOpenStreamReturnsSession(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/chat", func(c *gin.Context) {
			var req map[string]interface{}
			require.NoError(t, c.BindJSON(&req))
			assert.Equal(t, true, req["stream"])

			c.JSON(http.StatusOK, gin.H{"status": "streaming", "session_id": "sess-1"})
		})
	})

	session, err := client.OpenStream(context.Background(), &ports.ChatRequest{Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.ID)
}

func TestStreamEventsDecodesAndFinalizes(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/chat-stream", func(c *gin.Context) {
			assert.Equal(t, "sess-1", c.Query("session_id"))
			c.Header("Content-Type", "text/event-stream")

			lines := []string{
				`data: {"type": "chunk", "data": "Hello"}`,
				``,
				`data: {"type": "info", "data": "analysis in progress"}`,
				``,
				`data: raw text outside the envelope`,
				``,
				`data: {"type": "chunk", "data": " world"}`,
				``,
				`data: [DONE]`,
				``,
				`event: done`,
				`data: {}`,
			}
			for _, line := range lines {
				fmt.Fprintf(c.Writer, "%s\n", line)
			}
		})
	})

	events, err := client.StreamEvents(context.Background(), &ports.StreamSession{ID: "sess-1"})
	require.NoError(t, err)

	var received []ports.StreamEvent
	for event := range events {
		received = append(received, event)
	}

	require.Len(t, received, 4)
	assert.Equal(t, ports.EventChunk, received[0].Type)
	assert.Equal(t, "Hello", received[0].Data)
	// Raw non-envelope payloads pass through as chunk text
	assert.Equal(t, ports.EventChunk, received[1].Type)
	assert.Equal(t, "raw text outside the envelope", received[1].Data)
	assert.Equal(t, " world", received[2].Data)
	assert.Equal(t, ports.EventEnd, received[3].Type)
}

func TestStreamEventsDeliversSearchAndSources(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/chat-stream", func(c *gin.Context) {
			c.Header("Content-Type", "text/event-stream")
			fmt.Fprint(c.Writer,
				"data: {\"type\": \"search_info\", \"query\": \"go releases\", \"results\": [{\"title\": \"Go 1.24\", \"link\": \"https://go.dev\"}]}\n\n"+
					"data: {\"type\": \"rag_sources\", \"sources\": [{\"document\": \"notes.pdf\", \"score\": 0.9}]}\n\n"+
					"data: {\"type\": \"end\"}\n\n")
		})
	})

	events, err := client.StreamEvents(context.Background(), &ports.StreamSession{ID: "sess-2"})
	require.NoError(t, err)

	var received []ports.StreamEvent
	for event := range events {
		received = append(received, event)
	}

	require.Len(t, received, 3)
	assert.Equal(t, ports.EventSearchInfo, received[0].Type)
	require.NotNil(t, received[0].SearchInfo)
	assert.Equal(t, "go releases", received[0].SearchInfo.Query)
	require.Len(t, received[0].SearchInfo.Results, 1)

	assert.Equal(t, ports.EventRagSources, received[1].Type)
	require.Len(t, received[1].Sources, 1)
	assert.Equal(t, "notes.pdf", received[1].Sources[0].Document)

	assert.Equal(t, ports.EventEnd, received[2].Type)
}

func TestStreamEventsTerminatesOnErrorEvent(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/chat-stream", func(c *gin.Context) {
			c.Header("Content-Type", "text/event-stream")
			fmt.Fprint(c.Writer,
				"data: {\"type\": \"error\", \"data\": \"session expired\"}\n\n"+
					"data: {\"type\": \"chunk\", \"data\": \"never seen\"}\n\n")
		})
	})

	events, err := client.StreamEvents(context.Background(), &ports.StreamSession{ID: "sess-3"})
	require.NoError(t, err)

	var received []ports.StreamEvent
	for event := range events {
		received = append(received, event)
	}

	require.Len(t, received, 1)
	assert.Equal(t, ports.EventError, received[0].Type)
	assert.Equal(t, "session expired", received[0].Data)
}

func TestStreamEventsClosesOnEOFWithoutTerminal(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/chat-stream", func(c *gin.Context) {
			c.Header("Content-Type", "text/event-stream")
			fmt.Fprint(c.Writer, "data: {\"type\": \"chunk\", \"data\": \"partial\"}\n\n")
		})
	})

	events, err := client.StreamEvents(context.Background(), &ports.StreamSession{ID: "sess-4"})
	require.NoError(t, err)

	var received []ports.StreamEvent
	for event := range events {
		received = append(received, event)
	}

	// A dropped connection still finalizes the stream
	require.Len(t, received, 2)
	assert.Equal(t, ports.EventChunk, received[0].Type)
	assert.Equal(t, ports.EventEnd, received[1].Type)
}

func TestStreamEventsRequiresSession(t *testing.T) {
	client := NewClient("http://localhost:0", time.Second)

	_, err := client.StreamEvents(context.Background(), nil)
	assert.Error(t, err)

	_, err = client.StreamEvents(context.Background(), &ports.StreamSession{})
	assert.Error(t, err)
}

func TestChatWithSearchCarriesProvenance(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/chat-with-search", func(c *gin.Context) {
			assert.Equal(t, "latest go release", c.Query("search_query"))
			c.JSON(http.StatusOK, gin.H{
				"status":     "streaming",
				"session_id": "sess-5",
				"search_info": gin.H{
					"query":        "latest go release",
					"results":      []gin.H{{"title": "Go Blog", "link": "https://go.dev/blog"}},
					"elapsed_time": 0.8,
				},
			})
		})
	})

	session, info, err := client.ChatWithSearch(context.Background(), &ports.ChatRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "latest go release"},
		},
		Stream: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-5", session.ID)
	require.NotNil(t, info)
	assert.Equal(t, "latest go release", info.Query)
	require.Len(t, info.Results, 1)
	assert.Equal(t, "https://go.dev/blog", info.Results[0].Link)
}

func TestAPIModelsToleratesMixedEntries(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/api-models", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"models": gin.H{
					"openai": []interface{}{"gpt-4o", "gpt-4o-mini"},
					"gemini": []interface{}{gin.H{"name": "gemini-2.0-flash"}},
				},
			})
		})
	})

	models, err := client.APIModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gpt-4o", "gpt-4o-mini"}, models["openai"])
	assert.Equal(t, []string{"gemini-2.0-flash"}, models["gemini"])
}

func TestStatusAndPing(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":        "Active",
				"model_type":    "openai",
				"model_name":    "gpt-4o-mini",
				"api_connected": true,
			})
		})
	})

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Active", status.Status)
	assert.Equal(t, "openai", status.ModelType)
	assert.True(t, status.APIConnected)

	assert.NoError(t, client.Ping(context.Background()))
}

func TestModelsConvertsSizes(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/models", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"models": []gin.H{
					{"filename": "qwen2.5-7b.gguf", "size_gb": 4.5, "is_active": true},
				},
			})
		})
	})

	models, err := client.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "qwen2.5-7b.gguf", models[0].Name)
	assert.Equal(t, int64(4.5*float64(1<<30)), models[0].Size)
}

func TestGenerateQuiz(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/quizzes/generate", func(c *gin.Context) {
			var req map[string]interface{}
			require.NoError(t, c.BindJSON(&req))
			assert.Equal(t, "History", req["subject"])
			assert.Equal(t, "7th grade", req["grade_level"])
			assert.Equal(t, float64(5), req["question_count"])

			c.JSON(http.StatusOK, gin.H{
				"status": "success",
				"quiz": gin.H{
					"id":          "quiz-1",
					"title":       "The Roman Empire",
					"subject":     "History",
					"grade_level": "7th grade",
					"questions": []gin.H{
						{
							"question":       "Who was the first emperor?",
							"options":        []string{"Caesar", "Augustus", "Nero", "Trajan"},
							"correct_answer": 1,
							"explanation":    "Augustus founded the principate.",
						},
					},
				},
			})
		})
	})

	quiz, err := client.GenerateQuiz(context.Background(), &ports.QuizGenerationRequest{
		Subject:       "History",
		GradeLevel:    "7th grade",
		Topic:         "The Roman Empire",
		QuestionCount: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "quiz-1", quiz.ID)
	require.Len(t, quiz.Questions, 1)
	assert.Equal(t, 1, quiz.Questions[0].CorrectAnswer)
}

func TestGenerateQuizRejectsMissingQuiz(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/quizzes/generate", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "success"})
		})
	})

	_, err := client.GenerateQuiz(context.Background(), &ports.QuizGenerationRequest{Subject: "Math"})
	assert.Error(t, err)
}

func TestListQuizzesAppliesFilters(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/quizzes", func(c *gin.Context) {
			assert.Equal(t, "Math", c.Query("subject"))
			assert.Equal(t, "6th grade", c.Query("grade_level"))

			c.JSON(http.StatusOK, gin.H{
				"quizzes": []gin.H{
					{"id": "q1", "title": "Fractions", "subject": "Math", "grade_level": "6th grade", "question_count": 10},
				},
			})
		})
	})

	quizzes, err := client.ListQuizzes(context.Background(), "Math", "6th grade")
	require.NoError(t, err)
	require.Len(t, quizzes, 1)
	assert.Equal(t, "Fractions", quizzes[0].Title)
	assert.Equal(t, 10, quizzes[0].QuestionCount)
}

func TestQuizFetchAndDelete(t *testing.T) {
	deleted := false
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.GET("/quizzes/:id", func(c *gin.Context) {
			assert.Equal(t, "q1", c.Param("id"))
			c.JSON(http.StatusOK, gin.H{"quiz": gin.H{"id": "q1", "title": "Fractions"}})
		})
		r.DELETE("/quizzes/:id", func(c *gin.Context) {
			deleted = true
			c.JSON(http.StatusOK, gin.H{"status": "success"})
		})
	})

	quiz, err := client.Quiz(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "Fractions", quiz.Title)

	require.NoError(t, client.DeleteQuiz(context.Background(), "q1"))
	assert.True(t, deleted)
}

func TestQuizAttemptLifecycle(t *testing.T) {
	client := newFakeBackend(t, func(r *gin.Engine) {
		r.POST("/quizzes/attempts/start", func(c *gin.Context) {
			assert.Equal(t, "q1", c.PostForm("quiz_id"))
			assert.Equal(t, "s1", c.PostForm("student_id"))
			assert.Equal(t, "Alice", c.PostForm("student_name"))
			c.JSON(http.StatusOK, gin.H{"status": "success", "attempt_id": "a1"})
		})
		r.POST("/quizzes/attempts/:id/submit", func(c *gin.Context) {
			assert.Equal(t, "a1", c.Param("id"))
			var answers []int
			require.NoError(t, c.BindJSON(&answers))
			assert.Equal(t, []int{1, -1, 2}, answers)

			c.JSON(http.StatusOK, gin.H{
				"status": "success",
				"result": gin.H{
					"attempt_id":        "a1",
					"quiz_id":           "q1",
					"score":             66.7,
					"total_questions":   3,
					"correct_answers":   2,
					"incorrect_answers": 0,
					"skipped_questions": 1,
				},
			})
		})
	})

	attemptID, err := client.StartQuizAttempt(context.Background(), "q1", "s1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "a1", attemptID)

	result, err := client.SubmitQuizAttempt(context.Background(), "a1", []int{1, -1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 66.7, result.Score, 0.001)
	assert.Equal(t, 1, result.SkippedQuestions)
}
