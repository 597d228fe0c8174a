package pipeline

import "fmt"

// DetectionPrompt asks the vision model for the violation analysis (stage A)
const DetectionPrompt = `假如你是一名交警，我将上传一段模拟校园周边道路返校时的模拟监控视频，请对视频中的车辆进行违停检测分析。
为适应实际情况，此处我们考虑且仅考虑车辆占机动车道停车的违停情况。如视频中，车辆在该车道上只要超过5s不动即标记为违停（位置坐标需每秒至少移动10才算作移动；如有乘客上下车即无视上述规则，直接视作违停）。
你的输出需包含以下结构化内容：
1.视频有效性确认：说明是否具备分析条件（如清晰度、拍摄角度等）
2.违停检测结果：
若存在违停：标注车牌号码（含置信度百分比；如无法识别，则详细输出该车的特征信息）、说明判断依据（如果判断车辆未向前移动，需给出车辆每一帧所处的位置坐标，给出计算过程与结果后判断；如有上下客行为，额外加以说明）
若未发现违停：说明判定依据（如车辆完全停在划线车位内）
3.技术说明：
车道线识别算法依据（颜色/虚实线类型判断）
车辆停留时长计算逻辑（连续静止时间）
特殊情况备注（如施工占道/故障车等非主观违停情形）
本视频中，右上角的数字为计时器，格式为[分]:[秒].[毫秒]，供计算时间间隔用；绿幕（如有）遮挡的是位于两旁合法停车格内的汽车。
请确保仅按照以上给出的规则进行判定，不要主观臆断，擅自修改规则。`

// PlatePrompt asks the second model to re-read the plates (stage B)
const PlatePrompt = `请观看这段视频，输出且仅输出其中识别到车辆的车牌号。`

// Template pieces of the merge prompt. Each prior result follows its marker.
const (
	DetectionMarker = "现有一段违停的分析报告：\n"
	PlateMarker     = "由QVQ-Max重新识别了车牌号为：\n"
)

const mergeInstructions = `请帮我把QVQ-Max识别到的车牌号替换报告中原先识别到的车牌号，依据且仅依据原报告中的内容，重新生成一份详尽违停报告。请依次输出：
1.违停车辆车牌号
2.该车辆违停原因（根据原分析报告中的内容进一步总结得出）
3.建议处罚（根据现行《中华人民共和国道路交通安全法》）
请确保仅按照原报告中的内容进行重新输出，保证格式清晰明确，逻辑性强，不要主观臆断。`

// MergePrompt builds the stage C prompt from the detection report and the
// re-recognised plates.
func MergePrompt(detection, plates string) string {
	return DetectionMarker + detection + "\n" + PlateMarker + plates + "\n" + mergeInstructions
}

// UploadSummary is the result text recorded on the upload step
func UploadSummary(name string, size int64) string {
	return fmt.Sprintf("已上传: %s (%.2f MB)", name, float64(size)/1024/1024)
}
