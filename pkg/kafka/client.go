// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagechat-go/internal/config"
	"pagechat-go/pkg/log"
	"pagechat-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	maxAttempts    = 3
	attemptsTTL    = 24 * time.Hour
	attemptsPrefix = "kafka:attempts:"
	retryBackoff   = time.Second
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.TurnArchiveTask) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 把完成的对话轮次投递到 Kafka。
type Producer struct {
	writer messageWriter
}

// NewProducer 初始化 Kafka 生产者，消息按 assistant 消息 ID 分区。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ArchiveTurn 发送一个归档任务到 Kafka。
func (p *Producer) ArchiveTurn(ctx context.Context, task tasks.TurnArchiveTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Key()),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费归档任务。失败的任务在原地重试，累计 maxAttempts 次后提交 offset 放弃。
type Consumer struct {
	reader    messageReader
	processor TaskProcessor
	rdb       *redis.Client
	backoff   time.Duration
}

// NewConsumer 创建消费者。rdb 用于跨重启累计失败次数，为 nil 时只在本进程内计数。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, rdb: rdb, backoff: retryBackoff}
}

// Run 持续消费直到 ctx 结束，退出时关闭 reader。
func (c *Consumer) Run(ctx context.Context) error {
	log.Infof("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}
		c.handle(ctx, m)
	}
}

// handle 处理一条消息，成功或放弃时提交 offset。
// 同一分区内后面的 offset 一旦提交就会越过当前消息，所以失败的任务必须在这里重试完再返回。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log.Infof("收到 Kafka 消息: offset %d", m.Offset)

	var task tasks.TurnArchiveTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := attemptsPrefix + task.Key()
	for attempt := 1; ; attempt++ {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("归档任务处理成功: message=%s", task.Key())
			if c.rdb != nil {
				_ = c.rdb.Del(ctx, attemptsKey).Err()
			}
			c.commit(ctx, m)
			return
		}
		log.Errorf("处理归档任务失败: message=%s, attempt=%d, error: %v", task.Key(), attempt, err)

		if c.recordFailure(ctx, attemptsKey, attempt) >= maxAttempts {
			log.Errorf("归档任务多次失败(>=%d)，提交 offset 终止重试: message=%s", maxAttempts, task.Key())
			c.commit(ctx, m)
			return
		}
		if !c.wait(ctx, attempt) {
			// 停机时不提交，重启后从这条消息继续
			return
		}
	}
}

// recordFailure 返回包括之前进程在内的累计失败次数，Redis 不可用时退回本地计数。
func (c *Consumer) recordFailure(ctx context.Context, key string, local int) int64 {
	if c.rdb == nil {
		return int64(local)
	}
	total, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warnf("记录归档失败次数失败: key=%s, error: %v", key, err)
		return int64(local)
	}
	_ = c.rdb.Expire(ctx, key, attemptsTTL).Err()
	if total < int64(local) {
		return int64(local)
	}
	return total
}

func (c *Consumer) wait(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(c.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", fmt.Errorf("offset %d: %w", m.Offset, err))
	}
}
