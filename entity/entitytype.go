package entity

import "context"

// ILaneReader 车道检测器读取接口
// 功能：读取单条被监测车道在最近一步的车辆数与停车车辆数
type ILaneReader interface {
	LaneVehicleCount(lane string) (int, error) // 车道上的车辆数
	LaneHaltingCount(lane string) (int, error) // 车道上速度低于阈值的车辆数
}

// ISignalWriter 信号灯写入接口
type ISignalWriter interface {
	SetSignalState(tlsID string, state string) error // 写入完整信号字符串
}

// ISimulator 外部交通仿真器的依赖倒置
// 功能：控制器只通过该接口推进仿真、读取检测器与写入信号
// 说明：仿真器的启动与关闭生命周期不由控制器管理，Close只释放连接
type ISimulator interface {
	ILaneReader
	ISignalWriter

	Step(ctx context.Context) error           // 推进一个tick
	ArrivedVehicleCount() int                 // 最近一步到达终点的车辆数
	SignalState(tlsID string) (string, error) // 当前信号字符串
	Close() error                             // 释放连接
}
