// Package sagabus 提供事件总线、任务队列与 Saga 编排三大子系统，
// 通过可插拔的 Broker 适配器（Redis/RabbitMQ/Memory）实现发布订阅、
// 带超时的阻塞接收、同步取结果的任务分发、Beat 周期调度与反向补偿事务。
package sagabus
