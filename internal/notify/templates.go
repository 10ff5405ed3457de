package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Message is a rendered email.
type Message struct {
	Subject string
	Text    string
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"dollars": Dollars,
	"hours":   Hours,
}

func mustTemplate(subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New("subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New("body").Funcs(funcs).Parse(body)),
	}
}

const footer = `

{{.AppURL}}
You received this because you have an active goal on fscreentime.`

var templates = map[Kind]emailTemplate{
	KindGoalPassed: mustTemplate(
		`Goal achieved! {{hours .ScreenTimeHours}}h / {{hours .GoalHours}}h — fscreentime`,
		`Goal Achieved!

You stayed within your screen time limit for {{.WeekStart}} to {{.WeekEnd}}.

Your screen time: {{hours .ScreenTimeHours}}h
Weekly limit: {{hours .GoalHours}}h
Amount charged: $0.00

No penalty was charged. Keep up the great work!`+footer),

	KindPenaltyCharged: mustTemplate(
		`Penalty charged: {{dollars .Amount}} — fscreentime`,
		`Penalty Charged

You went over your screen time limit for {{.WeekStart}} to {{.WeekEnd}}.

Your screen time: {{hours .ScreenTimeHours}}h
Weekly limit: {{hours .GoalHours}}h
Amount charged: {{dollars .Amount}}{{if .Charity}}
Donated to: {{.Charity}}{{end}}

A new week starts now. You've got this.`+footer),

	KindChargeFailed: mustTemplate(
		`Payment failed — action required — fscreentime`,
		`Payment Failed

We could not charge your card for the week of {{.WeekStart}}.
{{if .Reason}}Reason: {{.Reason}}
{{end}}
Please update your payment method in Settings. We will retry automatically.`+footer),

	KindAuthenticationRequired: mustTemplate(
		`Your bank needs you to confirm a payment — fscreentime`,
		`Confirmation Required

Your bank asked for additional authentication before charging {{dollars .Amount}} for the week of {{.WeekStart}}.

Open fscreentime to confirm the payment.`+footer),

	KindNoPaymentMethod: mustTemplate(
		`Goal missed, no card on file — fscreentime`,
		`Goal Missed

You went over your screen time limit for {{.WeekStart}} to {{.WeekEnd}} ({{hours .ScreenTimeHours}}h / {{hours .GoalHours}}h),
but no payment method was on file so nothing was charged.

Add a card in Settings to keep your stake on the line.`+footer),

	KindChargeAbandoned: mustTemplate(
		`Penalty payment closed — fscreentime`,
		`Penalty Closed

We were unable to collect the penalty for the week of {{.WeekStart}} and have stopped retrying.
{{if .Reason}}Last error: {{.Reason}}
{{end}}`+footer),

	KindGoalRenewed: mustTemplate(
		`Your goal renewed for {{.WeekStart}} — fscreentime`,
		`Goal Renewed

Your goal has been renewed for {{.WeekStart}} to {{.WeekEnd}}.

Weekly limit: {{hours .GoalHours}}h
Stake: {{dollars .Amount}}

Turn off auto-renew in Settings at any time.`+footer),

	KindPaymentSetupComplete: mustTemplate(
		`Payment method saved — fscreentime`,
		`Payment Method Saved

Your card has been securely saved. No charges will be made unless you fail to meet your weekly screen time goal.

How it works: If you exceed your weekly limit, the penalty is charged automatically. Meet your goal and you pay nothing.`+footer),
}

type templateData struct {
	Params
	AppURL string
}

// Render produces the subject and plain-text body for kind.
func Render(kind Kind, params Params, appURL string) (Message, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	data := templateData{Params: params, AppURL: appURL}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{Subject: subject.String(), Text: body.String()}, nil
}
