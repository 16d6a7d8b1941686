// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// PipelineTask 通知消费者执行一个已创建的管道任务。
// 任务的输入与阶段状态保存在任务存储中，消息只携带任务 ID。
type PipelineTask struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}
