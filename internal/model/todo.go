package model

import (
	"time"
)

// Todo 表示一条待办记录。
//
// 它记录了用户设定的标题、内容以及起止时间。
// 每条待办归属于唯一的用户（User 一对多 Todo）。
type Todo struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 待办唯一标识
	CreatedAt time.Time `json:"createdAt"`            // 创建时间
	UpdatedAt time.Time `json:"updatedAt"`            // 更新时间

	UserID uint `gorm:"not null;index" json:"userId"` // 所属用户 ID
	User   User `gorm:"foreignKey:UserID" json:"-"`   // 所属用户

	Title     string    `json:"title"`     // 标题
	Content   string    `json:"content"`   // 内容
	StartDate time.Time `json:"startDate"` // 开始时间
	EndDate   time.Time `json:"endDate"`   // 结束时间
}
