package server

import (
	"time"

	"github.com/opsforge/taskd/task"
)

// TaskUpdateMessage is the WebSocket frame sent after every observable
// task transition.
type TaskUpdateMessage struct {
	Type      string    `json:"type"`
	Task      task.Info `json:"task"`
	Timestamp int64     `json:"timestamp"`
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
func (s *Server) broadcastMessage(msg any) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}

// startTaskUpdateBroadcaster subscribes to manager transitions and fans
// them out to WebSocket clients.
func (s *Server) startTaskUpdateBroadcaster() {
	updates := s.manager.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.manager.Unsubscribe(updates)

		for {
			select {
			case <-s.ctx.Done():
				s.log.Debugw("Task update broadcaster stopping")
				return
			case info := <-updates:
				sent := s.broadcastMessage(TaskUpdateMessage{
					Type:      "task_update",
					Task:      info,
					Timestamp: time.Now().Unix(),
				})
				s.log.Debugw("Broadcasted task update",
					"task_id", info.TaskID,
					"status", info.Status,
					"clients", sent,
				)
			}
		}
	}()

	s.log.Infow("Task update broadcaster started")
}
