package supervisor

func (s *Supervisor) pendingRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartTimer != nil
}
