/*
Package testutil 提供 TaskMesh 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 任务夹具: NewTask / NewTaskWithPayload，构造带 uuid 的 PENDING 任务
  - 断言工具: AssertJSONEqual / AssertNoError / AssertError /
    AssertErrorCode / AssertTerminal / AssertContains
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: Mock 实现，包括 MockExecutor（能力执行器）、
    MockClassifier（能力分类器）、MockCoordinator（集群协调器），
    均支持 Builder 模式与错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().FailFirst(2, errors.New("transient"))
	result, err := exec.Execute(ctx, payload)
	testutil.AssertNoError(t, err)
*/
package testutil
