package api

import "time"

type CreateInstanceRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type InstancePayload struct {
	OwnerID    string    `json:"owner_id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Port       int       `json:"port,omitempty"`
	Token      string    `json:"token,omitempty"`
	AccessURL  string    `json:"access_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	RenewCount int       `json:"renew_count"`
	UptimeSecs int64     `json:"uptime_seconds,omitempty"`
}

type CreateInstanceResponse struct {
	OK       bool            `json:"ok"`
	Instance InstancePayload `json:"instance"`
}

type GetInstanceResponse = CreateInstanceResponse

type RenewInstanceResponse struct {
	OK         bool      `json:"ok"`
	OwnerID    string    `json:"owner_id"`
	Kind       string    `json:"kind"`
	RenewCount int       `json:"renew_count"`
	StartedAt  time.Time `json:"started_at"`
}

type DeleteInstanceResponse struct {
	OK      bool   `json:"ok"`
	OwnerID string `json:"owner_id"`
	Kind    string `json:"kind"`
}

type InstanceListResponse struct {
	OK        bool              `json:"ok"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	PerPage   int               `json:"per_page"`
	Pages     int               `json:"pages"`
	Instances []InstancePayload `json:"instances"`
}

type PoolRefreshResponse struct {
	OK        bool `json:"ok"`
	Available int  `json:"available"`
	Issued    int  `json:"issued"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime_seconds"`
	RuntimeOK bool   `json:"runtime_ok"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
