package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// Webhook load generator: fabricates gateway envelopes and POSTs them at the
// ingress the way a busy Evolution API deployment would.

type stats struct {
	sent     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

type postTask struct {
	client   *http.Client
	url      string
	envelope model.WebhookEnvelope
	stats    *stats
}

func main() {
	target := flag.String("target", "http://localhost:8080/webhook/whatsapp", "Webhook ingress URL")
	instancesStr := flag.String("instances", "inst-clinic-demo", "Comma-separated gateway instance ids")
	rate := flag.Int("rate", 50, "Target envelopes per second")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent POST workers")
	mediaRatio := flag.Float64("media-ratio", 0.2, "Fraction of upserts carrying media (0..1)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Webhook Load Generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Fabricates gateway webhook envelopes and POSTs them to the ingress.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instances := strings.Split(*instancesStr, ",")
	logger.Log.Info("Starting webhook load generator",
		zap.String("target", *target),
		zap.Strings("instances", instances),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("Interrupted, draining")
		cancel()
	}()

	st := &stats{}
	client := &http.Client{Timeout: 10 * time.Second}

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(payload interface{}) {
		defer wg.Done()
		task, ok := payload.(postTask)
		if !ok {
			return
		}
		postEnvelope(ctx, task)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	interval := time.Second / time.Duration(*rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.After(*duration)
	start := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			instance := instances[rand.Intn(len(instances))]
			task := postTask{
				client:   client,
				url:      *target,
				envelope: fabricateEnvelope(instance, *mediaRatio),
				stats:    st,
			}
			wg.Add(1)
			if err := pool.Invoke(task); err != nil {
				wg.Done()
				st.failed.Add(1)
			}
		}
	}

	wg.Wait()
	elapsed := time.Since(start)
	logger.Log.Info("Load test complete",
		zap.Duration("elapsed", elapsed),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("accepted", st.accepted.Load()),
		zap.Int64("rejected", st.rejected.Load()),
		zap.Int64("failed", st.failed.Load()),
		zap.Float64("rate_per_sec", float64(st.sent.Load())/elapsed.Seconds()),
	)
}

func postEnvelope(ctx context.Context, task postTask) {
	raw, err := json.Marshal(task.envelope)
	if err != nil {
		task.stats.failed.Add(1)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.url, bytes.NewReader(raw))
	if err != nil {
		task.stats.failed.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	task.stats.sent.Add(1)
	resp, err := task.client.Do(req)
	if err != nil {
		task.stats.failed.Add(1)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		task.stats.accepted.Add(1)
	default:
		task.stats.rejected.Add(1)
		logger.Log.Debug("Envelope rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("event", task.envelope.Event))
	}
}

// fabricateEnvelope produces a weighted mix of the event kinds the gateway
// actually emits: mostly upserts, some status updates, occasional connection
// churn.
func fabricateEnvelope(instance string, mediaRatio float64) model.WebhookEnvelope {
	roll := rand.Float64()
	switch {
	case roll < 0.70:
		return upsertEnvelope(instance, rand.Float64() < mediaRatio)
	case roll < 0.90:
		return statusEnvelope(instance)
	case roll < 0.97:
		return connectionEnvelope(instance)
	default:
		return pairingEnvelope(instance)
	}
}

func fakePhoneJid() string {
	return "62" + gofakeit.Numerify("###########") + "@s.whatsapp.net"
}

func fakeGatewayID() string {
	return strings.ToUpper(gofakeit.LetterN(4) + gofakeit.Numerify("############"))
}

func upsertEnvelope(instance string, withMedia bool) model.WebhookEnvelope {
	data := model.MessageUpsertData{
		Key: model.MessageKey{
			ID:        fakeGatewayID(),
			FromMe:    rand.Float64() < 0.3,
			RemoteJid: fakePhoneJid(),
		},
		PushName:         gofakeit.Name(),
		MessageTimestamp: model.FlexInt64(time.Now().Unix()),
		Message:          &model.MessageVariant{},
	}

	if withMedia {
		data.Message.ImageMessage = &model.VisualMediaMessage{
			Mimetype:   "image/jpeg",
			FileLength: model.FlexInt64(rand.Int63n(2 << 20)),
			Width:      1280,
			Height:     960,
			Caption:    gofakeit.Sentence(4),
		}
	} else {
		data.Message.Conversation = gofakeit.Sentence(8)
	}

	raw, _ := json.Marshal(data)
	return model.WebhookEnvelope{
		Event:    "messages.upsert",
		Instance: instance,
		Data:     raw,
	}
}

func statusEnvelope(instance string) model.WebhookEnvelope {
	statuses := []string{"SERVER_ACK", "DELIVERY_ACK", "READ", "ERROR"}
	data := model.MessageStatusData{
		KeyID:  fakeGatewayID(),
		Status: statuses[rand.Intn(len(statuses))],
	}
	raw, _ := json.Marshal(data)
	return model.WebhookEnvelope{
		Event:    "messages.update",
		Instance: instance,
		Data:     raw,
	}
}

func connectionEnvelope(instance string) model.WebhookEnvelope {
	states := []string{"open", "close", "connecting"}
	data := model.ConnectionUpdateData{State: states[rand.Intn(len(states))]}
	raw, _ := json.Marshal(data)
	return model.WebhookEnvelope{
		Event:    "connection.update",
		Instance: instance,
		Data:     raw,
	}
}

func pairingEnvelope(instance string) model.WebhookEnvelope {
	var data model.PairingCodeUpdateData
	data.Qrcode.PairingCode = strings.ToUpper(gofakeit.LetterN(4) + "-" + gofakeit.LetterN(4))
	raw, _ := json.Marshal(data)
	return model.WebhookEnvelope{
		Event:    "qrcode.updated",
		Instance: instance,
		Data:     raw,
	}
}
