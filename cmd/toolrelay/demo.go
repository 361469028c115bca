package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/toolhost"
)

type demoEmployee struct {
	ID         string
	Name       string
	Title      string
	Department string
	Email      string
	Manager    string
	LeaveDays  int
	SickDays   int
}

var demoEmployees = []demoEmployee{
	{ID: "A100001", Name: "Ada Lovelace", Title: "Principal Engineer", Department: "engineering", Email: "ada@example.com", LeaveDays: 18, SickDays: 5},
	{ID: "A100002", Name: "Grace Hopper", Title: "Engineering Director", Department: "engineering", Email: "grace@example.com", LeaveDays: 22, SickDays: 7},
	{ID: "B200001", Name: "Alan Turing", Title: "Research Scientist", Department: "research", Email: "alan@example.com", Manager: "A100002", LeaveDays: 9, SickDays: 2},
	{ID: "C300001", Name: "Katherine Johnson", Title: "Payroll Analyst", Department: "finance", Email: "katherine@example.com", LeaveDays: 14, SickDays: 6},
}

const employeeIDSchema = `{"type":"string","pattern":"^[A-Z][0-9]{6}$","description":"Employee ID such as A100001"}`

// demoTools returns the HR tools served by the host command.
func demoTools() []toolhost.Tool {
	return []toolhost.Tool{
		{
			Name:        "get_employee_info",
			Description: "Look up an employee by ID and return the requested fields.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"employeeId":` + employeeIDSchema + `,` +
				`"fields":{"type":"array","items":{"type":"string","enum":["employeeId","name","title","department","email","manager"]}}` +
				`},"required":["employeeId"],"additionalProperties":false}`),
			DefaultFields: []string{"name", "title"},
			Handler:       getEmployeeInfo,
		},
		{
			Name:        "get_leave_balance",
			Description: "Return the remaining annual and sick leave days of an employee.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"employeeId":` + employeeIDSchema +
				`},"required":["employeeId"],"additionalProperties":false}`),
			Timeout: 5 * time.Second,
			Handler: getLeaveBalance,
		},
		{
			Name:        "get_department_list",
			Description: "List departments and their head counts.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     getDepartmentList,
		},
	}
}

func findEmployee(params json.RawMessage) (demoEmployee, []string, error) {
	var req struct {
		EmployeeID string   `json:"employeeId"`
		Fields     []string `json:"fields"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return demoEmployee{}, nil, &toolservice.RemoteError{Category: toolservice.CategoryValidation, Message: err.Error()}
	}

	i := slices.IndexFunc(demoEmployees, func(e demoEmployee) bool { return e.ID == req.EmployeeID })
	if i < 0 {
		return demoEmployee{}, nil, &toolservice.RemoteError{
			Category: toolservice.CategoryNotFound,
			Message:  fmt.Sprintf("no employee with ID %s", req.EmployeeID),
		}
	}

	return demoEmployees[i], req.Fields, nil
}

func getEmployeeInfo(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	emp, fields, err := findEmployee(params)
	if err != nil {
		return nil, err
	}

	all := map[string]string{
		"employeeId": emp.ID,
		"name":       emp.Name,
		"title":      emp.Title,
		"department": emp.Department,
		"email":      emp.Email,
		"manager":    emp.Manager,
	}
	if len(fields) == 0 {
		fields = []string{"name", "title"}
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}

	return json.Marshal(out)
}

func getLeaveBalance(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	emp, _, err := findEmployee(params)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"employeeId": emp.ID,
		"annualDays": emp.LeaveDays,
		"sickDays":   emp.SickDays,
	})
}

func getDepartmentList(context.Context, json.RawMessage) (json.RawMessage, error) {
	counts := make(map[string]int)
	var order []string
	for _, e := range demoEmployees {
		if counts[e.Department] == 0 {
			order = append(order, e.Department)
		}
		counts[e.Department]++
	}

	type department struct {
		Name      string `json:"name"`
		HeadCount int    `json:"headCount"`
	}
	out := make([]department, 0, len(order))
	for _, name := range order {
		out = append(out, department{Name: name, HeadCount: counts[name]})
	}

	return json.Marshal(map[string]any{"departments": out})
}
