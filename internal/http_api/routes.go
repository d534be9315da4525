package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.POST("/api/v1/callback", s.providerCallback)
	s.router.GET("/api/v1/health", s.health)
}
