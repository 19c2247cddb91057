package app

import (
	"fmt"
	"strings"

	"retinalab/pkg/domain"
)

const analysisInstruction = "Пожалуйста, проанализируйте этот рентгеновский снимок глаза и предоставьте детальное медицинское заключение."

const analysisPending = "Анализ еще не завершен"

var analysisPrompts = map[domain.StudyType]string{
	domain.StudyRetinalScan: `Вы - опытный офтальмолог, специализирующийся на анализе рентгеновских снимков сетчатки глаза.
Проанализируйте предоставленный снимок сетчатки и предоставьте детальное медицинское заключение.

Структура заключения должна включать:
1. Общее описание снимка
2. Выявленные патологии или отклонения
3. Состояние сосудов сетчатки
4. Оценка макулярной области
5. Рекомендации для дальнейшего обследования или лечения

Используйте медицинскую терминологию и будьте максимально точны в описании.`,

	domain.StudyOpticNerve: `Вы - опытный офтальмолог, специализирующийся на анализе зрительного нерва.
Проанализируйте предоставленный снимок зрительного нерва и предоставьте детальное медицинское заключение.

Структура заключения должна включать:
1. Оценка диска зрительного нерва
2. Состояние нейроретинального ободка
3. Соотношение экскавации и диска (C/D ratio)
4. Выявленные патологии (глаукома, атрофия и т.д.)
5. Рекомендации для дальнейшего обследования или лечения

Используйте медицинскую терминологию и будьте максимально точны в описании.`,

	domain.StudyMacularAnalysis: `Вы - опытный офтальмолог, специализирующийся на анализе макулярной области.
Проанализируйте предоставленный снимок макулярной области и предоставьте детальное медицинское заключение.

Структура заключения должна включать:
1. Состояние фовеальной области
2. Наличие друз или пигментных изменений
3. Признаки макулярной дегенерации
4. Оценка толщины сетчатки в макулярной зоне
5. Рекомендации для дальнейшего обследования или лечения

Используйте медицинскую терминологию и будьте максимально точны в описании.`,
}

func analysisPrompt(t domain.StudyType) (string, error) {
	p, ok := analysisPrompts[t]
	if !ok {
		return "", fmt.Errorf("no analysis prompt for study type %q", t)
	}
	return p, nil
}

func chatSystemPrompt(st domain.Study) string {
	analysis := analysisPending
	if st.HasAnalysis() {
		analysis = strings.TrimSpace(*st.AnalysisResult)
	}
	return fmt.Sprintf(`Вы - опытный офтальмолог-консультант. Вы помогаете врачам разобраться в результатах исследований.

Текущее исследование:
Тип: %s
Название: %s

Результаты анализа:
%s

Отвечайте профессионально, используя медицинскую терминологию. Предоставляйте конкретные и полезные рекомендации.`,
		st.StudyType.Label(), st.Title, analysis)
}
