package nodes

import (
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/tools/traceinspect"
)

const (
	clarificationPrefix = "[CLARIFICATION]"
	scenarioMarker      = "### SCENARIO:"
	AutoFixPrefix       = "[AUTO-FIX]"

	domBlock  = "\n\n[REAL PAGE DOM STRUCTURE]:\n"
	repoBlock = "\n\n[SOURCE CODE REPOSITORY]:\n"
	apiBlock  = "\n\n[API SPECIFICATION]:\n"
)

const analystPrompt = `You are a senior QA architect. Analyze the user's request (or the attached OpenAPI summary) and write a detailed test plan.

You are in a chat session. The user may send new requirements or ask for changes.
- A new request gets a fresh test plan.
- A fix or update request gets a modified or targeted plan.
- If you see [REAL PAGE DOM STRUCTURE], take the real ids, classes and data-testid attributes from it and name them explicitly in the plan steps.
- If you see [SOURCE CODE REPOSITORY] with a file tree, list the paths of the files most relevant to the task.

AMBIGUITY:
If the request is vague or could mean several different scenarios (for example "test the login page"), do not write a plan.
Reply ONLY with a question prefixed by [CLARIFICATION] that steers the user toward one concrete, testable scenario.
Example: [CLARIFICATION] Which search scenario should I cover first? A) several results, B) no results, C) special characters.

RULES (when not asking for clarification):
1. Use the exact URL the user gave. Never invent sub-paths.
2. Decide whether the test is UI (web page) or API (REST/HTTP).
3. Break every test into Arrange/Act/Assert steps.
4. For UI tests name the page objects and the locators, when known.
5. Output a list of steps only. No code.
6. When several distinct test cases are needed, start each one with '### SCENARIO:'.`

const coderPrompt = `You are a senior Python SDET. Write one complete, executable Python test file that follows the test plan exactly.

RULES:
1. The test plan is the single source of truth: URLs, locators, steps and expected outcomes come from it.
2. No placeholder or example code and no example.com URLs.
3. Stack: Python 3.11+, pytest, playwright (sync API), allure-pytest.
4. UI tests use the Page Object Model. Test functions only call methods defined on the page object class.
5. Prefer data-testid, data-test or id locators.
6. Allure decorators are mandatory:
   - every class: @allure.feature, @allure.story, and @allure.label("owner", ...) on test classes
   - every test function: @allure.title, @allure.tag, @allure.link, @allure.label("priority", ...)
   - use allure.step inside the test logic.
7. Never import os, subprocess, shutil, sys or builtins, and never call eval, exec or compile.

Output only the Python file, in a single fenced code block.`

const routerPrompt = `You are a fast request router. Classify the user's latest message into exactly one category and reply with a single JSON object and nothing else.

Categories:
- "ui_test_gen": generate a new UI test for a page.
- "api_test_gen": generate a new API test (endpoints, swagger/OpenAPI).
- "repo_analysis": the user gave a git repository URL and wants tests based on its code.
- "code_edit": change existing test code.
- "debug_request": the user pasted an error or failing test log and wants a fix.
- "clarification": the user is answering a question you asked.

Example output:
{"task_type": "ui_test_gen"}`

const explorerPrompt = coderPrompt + `

A source repository is checked out for you. Before writing code, use the tools to find the files that matter:
- list_files(pattern) lists files (empty pattern shows the tree)
- search_code(query) greps the repository
- read_file(path) reads a file
Stop calling tools as soon as you know enough, then answer with the final test file.`

const lessonPrompt = `A generated test failed with the error below and was then repaired. In one or two sentences, state the reusable lesson for future tests on this site (for example a locator quirk or a required wait). Reply with the lesson only.`

func fixerPrompt(errorLog, code string) string {
	return fmt.Sprintf(`The previous code failed validation or execution.

ERROR LOG:
%s

PREVIOUS CODE:
%s

Fix the code:
1. POM violation or AttributeError: add the missing method to the page object class.
2. Syntax error: fix the Python syntax.
3. Missing Allure decorators: add them.

Return ONLY the fixed Python code.`, errorLog, code)
}

func debuggerPrompt(fc *traceinspect.FailureContext, code string) string {
	orNone := func(list []string) string {
		if len(list) == 0 {
			return "None"
		}
		return strings.Join(list, "\n    ")
	}
	return fmt.Sprintf(`A test run failed. Analyze the failure context taken from the Playwright trace, form a hypothesis, and return a corrected test file.

FAILURE CONTEXT
1. Original error:
    %s
2. Failed action:
    %s
3. Network errors:
    %s
4. Console errors and warnings:
    %s
5. DOM snapshot at failure:
`+"```html\n%s\n```"+`

STRATEGY
- The selector "%s" was not usable. Find the element in the DOM and build the most robust locator for it (data-testid, then id, then stable classes).
- Look for anything covering the element (cookie banner, dialog, spinner) and handle it first.
- If network errors show 4xx/5xx responses, the environment may be at fault; say so in an assertion message.
- State your hypothesis as a "# HYPOTHESIS:" comment at the top of the file.

PREVIOUS CODE:
%s

Return the FULL corrected Python file only.`,
		fc.OriginalError, fc.Summary, orNone(fc.NetworkErrors), orNone(fc.ConsoleLogs), fc.DOMSnapshot, fc.Selector, code)
}

func plannerInput(request, augmentation string) string {
	return "Context/Requirements:\n" + request + augmentation
}

func coderInput(plan, context string) string {
	return "Test Plan:\n" + plan + context + "\n\nGenerate the full Python code now."
}

func scenarioInput(scenario string) string {
	return "Generate a Pytest test for this scenario:\n" + scenario
}

func lessonInput(originalError, oldCode, newCode string) string {
	return fmt.Sprintf("ERROR:\n%s\n\nCODE BEFORE:\n%s\n\nCODE AFTER:\n%s", clip(originalError, 2000), clip(oldCode, 4000), clip(newCode, 4000))
}
