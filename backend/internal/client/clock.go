package client

import "time"

// Timer 只需要能取消
type Timer interface {
	Stop() bool
}

// Clock 抽象出定时器，测试里用假时钟驱动防抖
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock 基于 time 包
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
