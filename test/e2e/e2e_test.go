//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/replies"
	"github.com/cloo-solutions/crewbot/internal/repository"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/cloo-solutions/crewbot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeclockDoc = `# Clocking in

Open the Crew app and press the green Clock In button when you reach the site gate.`

const tasksDoc = `# Tasks

Assign tasks from the board and set a due date for each one.`

func TestE2E_IngestAndReply(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	require.NoError(t, testutil.TruncateAll(env.Ctx, env.Pool))

	env.PutDocument("acme/timeclock.md", timeclockDoc)
	env.PutDocument("acme/tasks.md", tasksDoc)
	env.PutDocument("acme/logo.png", "not a document")

	ingester := service.NewIngestService(env.EmbeddingClient(), repository.NewChunkRepository(env.Pool))

	stats, err := ingester.IngestSource(env.Ctx, env.S3Client, "acme", "acme/", "s3")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 2, stats.Inserted)

	t.Run("re-ingest is a no-op", func(t *testing.T) {
		again, err := ingester.IngestSource(env.Ctx, env.S3Client, "acme", "acme/", "s3")
		require.NoError(t, err)
		assert.Equal(t, 0, again.Inserted)
		assert.Equal(t, 2, again.Skipped)

		n, err := repository.NewChunkRepository(env.Pool).CountByOwner(env.Ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	serverURL, handler := env.StartServer(ServerOptions{})

	t.Run("composed answer from tenant documents", func(t *testing.T) {
		status, reply := env.SendMessage(serverURL, "acme", "how do I clock in")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, string(domain.ReplySourceComposed), reply.Source)
		assert.Contains(t, reply.Reply, "green Clock In button")
		assert.True(t, strings.HasPrefix(reply.Reply, "Here's what I found:"))
	})

	t.Run("other tenant falls back to the topic guide", func(t *testing.T) {
		_, reply := env.SendMessage(serverURL, "globex", "how do I clock in")
		assert.Equal(t, string(domain.ReplySourceFallback), reply.Source)
		assert.Equal(t, replies.Fallback(domain.TopicTimeclock), reply.Reply)
	})

	t.Run("generic help skips retrieval", func(t *testing.T) {
		before := env.Embeddings.Calls()
		_, reply := env.SendMessage(serverURL, "acme", "help", "tasks")
		assert.Equal(t, string(domain.ReplySourceMenu), reply.Source)
		assert.Equal(t, before, env.Embeddings.Calls())
	})

	t.Run("probe", func(t *testing.T) {
		resp, err := env.HTTPClient.Get(serverURL + "/webhook/messages")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health reports retrieval ready", func(t *testing.T) {
		resp, err := env.HTTPClient.Get(serverURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body struct {
			Data map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, service.LoaderReady, body.Data["retrieval"])
	})

	t.Run("replies are logged", func(t *testing.T) {
		handler.Wait()
		var count int
		err := env.Pool.QueryRow(env.Ctx,
			`SELECT count(*) FROM reply_logs WHERE owner_scope = 'acme' AND source = 'composed'`).Scan(&count)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 1)
	})
}

func TestE2E_DegradedDependencies(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	require.NoError(t, testutil.TruncateAll(env.Ctx, env.Pool))

	t.Run("embedding outage falls back", func(t *testing.T) {
		env.Embeddings.SetFailing(true)
		defer env.Embeddings.SetFailing(false)

		serverURL, _ := env.StartServer(ServerOptions{})
		start := time.Now()
		_, reply := env.SendMessage(serverURL, "acme", "assign a task")
		assert.Equal(t, string(domain.ReplySourceFallback), reply.Source)
		assert.Equal(t, replies.Fallback(domain.TopicTasks), reply.Reply)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("slow embeddings get the acknowledgement", func(t *testing.T) {
		env.Embeddings.SetDelay(2 * time.Second)
		defer env.Embeddings.SetDelay(0)

		serverURL, handler := env.StartServer(ServerOptions{
			ReplyWindow:      300 * time.Millisecond,
			RetrievalTimeout: 5 * time.Second,
		})
		start := time.Now()
		status, reply := env.SendMessage(serverURL, "acme", "how do I clock in")
		elapsed := time.Since(start)

		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, string(domain.ReplySourceAcknowledgement), reply.Source)
		assert.Less(t, elapsed, 2*time.Second)

		handler.Wait()
		var timedOut bool
		err := env.Pool.QueryRow(env.Ctx,
			`SELECT timed_out FROM reply_logs WHERE owner_scope = 'acme' ORDER BY created_at DESC LIMIT 1`).Scan(&timedOut)
		require.NoError(t, err)
		assert.True(t, timedOut)
	})
}

func TestE2E_CLI(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	require.NoError(t, testutil.TruncateAll(env.Ctx, env.Pool))
	env.BuildBinary()

	t.Run("classify", func(t *testing.T) {
		out, err := env.RunCrewbotd("classify", "--hint", "tasks", "-o", "json", "where", "do", "I", "start")
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "tasks", result["topic"])
		assert.Equal(t, "hint", result["reason"])
		assert.Equal(t, "fallback", result["source"])
	})

	t.Run("ingest a local directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "timeclock.md"), []byte(timeclockDoc), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.txt"), []byte(tasksDoc), 0o644))

		out, err := env.RunCrewbotd("ingest", "--owner", "initech", "--dir", dir, "--no-migrate", "-o", "json")
		require.NoError(t, err)

		var stats map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &stats))
		assert.EqualValues(t, 2, stats["documents"])
		assert.EqualValues(t, 2, stats["inserted"])

		n, err := repository.NewChunkRepository(env.Pool).CountByOwner(env.Ctx, "initech")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ingest from S3", func(t *testing.T) {
		env.PutDocument("umbrella/timeclock.md", timeclockDoc)

		out, err := env.RunCrewbotd("ingest", "--owner", "umbrella", "--s3-prefix", "umbrella/", "--no-migrate")
		require.NoError(t, err)
		assert.Contains(t, out, "Ingested 1 document(s) for umbrella")
	})

	t.Run("classify with retrieval", func(t *testing.T) {
		out, err := env.RunCrewbotd("classify", "--retrieve", "--owner", "initech", "-o", "json", "how do I clock in")
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "composed", result["source"])
		assert.Contains(t, result["reply"], "green Clock In button")
	})
}
