package domain

// Status is the lifecycle state of a project. A project is always in
// exactly one status.
type Status string

const (
	StatusPendingQuote    Status = "pending_quote"
	StatusQuoted          Status = "quoted"
	StatusConfirmed       Status = "confirmed"
	StatusDepositPaid     Status = "deposit_paid"
	StatusInDesign        Status = "in_design"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusInProduction    Status = "in_production"
	StatusCompleted       Status = "completed"
	StatusPaid            Status = "paid"
	StatusArchived        Status = "archived"
	StatusCancelled       Status = "cancelled"
)

// AllStatuses lists every project status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingQuote, StatusQuoted, StatusConfirmed, StatusDepositPaid,
	StatusInDesign, StatusPendingApproval, StatusApproved, StatusInProduction,
	StatusCompleted, StatusPaid, StatusArchived, StatusCancelled,
}

// Valid reports whether s is a known project status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no ordinary outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusCancelled
}

// Role is a user role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDesigner Role = "designer"
	RoleFinance  Role = "finance"
	RoleSales    Role = "sales"
	RoleViewer   Role = "viewer"
)

type Project struct {
	ID           string   `json:"id"`
	Number       string   `json:"number"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	CustomerName string   `json:"customer_name"`
	Status       Status   `json:"status"`
	Priority     string   `json:"priority,omitempty"`
	Category     string   `json:"category,omitempty"`
	QuotedPrice  *float64 `json:"quoted_price,omitempty"`
	DepositPaid  bool     `json:"deposit_paid"`
	FinalPaid    bool     `json:"final_paid"`
	CreatorID    string   `json:"creator_id"`
	DesignerID   *string  `json:"designer_id,omitempty"`
	SalesID      *string  `json:"sales_id,omitempty"`
	Deadline     *string  `json:"deadline,omitempty" format:"date"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	Notes        string   `json:"notes,omitempty"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,cancelled,overdue"`
	Priority    string  `json:"priority,omitempty"`
	CreatorID   string  `json:"creator_id"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name,omitempty"`
	Role       Role   `json:"role"`
	IsActive   bool   `json:"is_active"`
	IsAdmin    bool   `json:"is_admin"`
	ChatHandle string `json:"chat_handle,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// DisplayName prefers the full name, falling back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Privileged reports whether the user may bypass the transition table.
func (u User) Privileged() bool {
	return u.IsAdmin || u.Role == RoleAdmin
}

// System is the actor attributed to automation-driven changes. It is
// privileged so workflow actions can drive any declared target status.
var System = User{
	ID:       "system",
	Username: "system",
	Role:     RoleAdmin,
	IsAdmin:  true,
	IsActive: true,
}

// StatusChangeRecord is an immutable audit entry for one status
// transition. FromStatus is nil for project creation.
type StatusChangeRecord struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	ActorID    string  `json:"actor_id"`
	FromStatus *Status `json:"from_status,omitempty"`
	ToStatus   Status  `json:"to_status"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// NotificationRecord logs one attempted delivery through the
// notification gateway.
type NotificationRecord struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
