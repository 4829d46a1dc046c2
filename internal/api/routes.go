package api

// setupRoutes registers the HTTP surface
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	forecasts := s.router.Group("/api/forecasts")
	{
		forecasts.POST("", s.handleCreateForecast)
		forecasts.GET("", s.handleListForecasts)
		forecasts.GET("/:id", s.handleGetForecast)
	}

	markets := s.router.Group("/api/markets/:session_id")
	{
		markets.GET("/orderbook", s.handleOrderBook)
		markets.POST("/orders", s.handlePlaceOrder)
		markets.GET("/orders/:order_id", s.handleGetOrder)
		markets.DELETE("/orders/:order_id", s.handleCancelOrder)
		markets.DELETE("/orders", s.handleCancelAll)
		markets.GET("/traders", s.handleListTraders)
		markets.GET("/traders/:name", s.handleGetTrader)
		markets.GET("/traders/:name/orders", s.handleTraderOrders)
		markets.GET("/trades", s.handleListTrades)
		markets.POST("/settle", s.handleSettle)
		markets.POST("/simulation/start", s.handleStartSimulation)
		markets.POST("/simulation/stop", s.handleStopSimulation)
	}

	s.router.GET("/ws/markets/:session_id", s.handleMarketStream)
}
