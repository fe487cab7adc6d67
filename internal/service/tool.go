package service

import "github.com/xiaot623/gogo/agentrun/internal/domain"

// ListTools returns the tools runs may call.
func (s *Service) ListTools() []domain.ToolDefinition {
	defs := s.tools.Definitions()
	if defs == nil {
		defs = []domain.ToolDefinition{}
	}
	return defs
}
