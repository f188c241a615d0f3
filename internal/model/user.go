package model

import "time"

// User 表示系统用户。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`                       // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex" json:"email"` // 邮箱（唯一）
	Password  string    `gorm:"not null" json:"-"`                          // bcrypt 哈希
	CreatedAt time.Time `json:"createdAt"`                                  // 创建时间

	Todos []Todo `gorm:"foreignKey:UserID" json:"-"`
}
