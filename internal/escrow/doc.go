// Package escrow 实现课程购买的托管结算协议：买家把代币存入托管，
// 授权代理负责把资金释放给收款方，超时未执行时所有者可以紧急回收。
// 包内的内存账本与链上合约共享同一套状态机、前置条件与失败原因，
// 结算编排器只面向 Protocol 接口编程。
package escrow
