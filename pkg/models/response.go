package models

// Response common response structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageResponse is a paginated list payload.
type PageResponse struct {
	Count    int64  `json:"count"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
	Results  any    `json:"results"`
}

// LoginRequest is the admin login body.
type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// SessionInfo describes the current admin session.
type SessionInfo struct {
	CSRFToken     string `json:"csrf_token"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	IsStaff       bool   `json:"is_staff"`
}

// AdminModel is one registered model on the admin index.
type AdminModel struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Count  int64    `json:"count"`
	AddURL string   `json:"add_url,omitempty"`
	Fields []string `json:"fields"`
}

// AdminApp groups admin models by app label.
type AdminApp struct {
	Label  string       `json:"app_label"`
	Name   string       `json:"name"`
	Models []AdminModel `json:"models"`
}
