// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
)

// MaxDeliveries 是同一任务消息最多被处理的次数，超过后提交 offset 放弃该消息。
const MaxDeliveries = 3

// TaskProcessor 处理一个管道任务消息，Kafka 消费者与具体的管道实现解耦。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.PipelineTask) error
}

// AttemptCounter 统计消息的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Producer 把管道任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProducePipelineTask 发送一个管道任务到 Kafka，以任务 ID 作为消息 key。
func (p *Producer) ProducePipelineTask(ctx context.Context, task tasks.PipelineTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.JobID),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者处理管道任务，ctx 结束时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, counter AttemptCounter) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			time.Sleep(time.Second)
			continue
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		if handleMessage(ctx, m.Value, processor, counter) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handleMessage 处理一条消息并返回是否应提交 offset。
// 处理失败时不提交，让 Kafka 重新投递，直到失败次数达到 MaxDeliveries。
func handleMessage(ctx context.Context, value []byte, processor TaskProcessor, counter AttemptCounter) bool {
	var task tasks.PipelineTask
	if err := json.Unmarshal(value, &task); err != nil || task.JobID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.JobID)
	log.Infof("开始处理管道任务: JobID=%s, Kind=%s", task.JobID, task.Kind)
	err := processor.Process(ctx, task)
	if err == nil {
		log.Infof("管道任务处理完成: JobID=%s", task.JobID)
		if counter != nil {
			_ = counter.Reset(ctx, attemptsKey)
		}
		return true
	}

	log.Errorf("处理管道任务失败: JobID=%s, Error: %v", task.JobID, err)
	if errors.Is(err, context.Canceled) {
		// 进程退出中，留给下一个消费者
		return false
	}
	if counter == nil {
		return true
	}
	attempts, incErr := counter.Incr(ctx, attemptsKey)
	if incErr != nil {
		// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
		return false
	}
	if attempts >= MaxDeliveries {
		log.Errorf("管道任务多次失败(>=%d)，提交 offset 终止重试: JobID=%s", MaxDeliveries, task.JobID)
		return true
	}
	return false
}

// RedisAttemptCounter 使用 Redis 计数，计数键 24 小时后过期。
type RedisAttemptCounter struct {
	rdb *redis.Client
}

func NewRedisAttemptCounter(rdb *redis.Client) *RedisAttemptCounter {
	return &RedisAttemptCounter{rdb: rdb}
}

func (c *RedisAttemptCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (c *RedisAttemptCounter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
